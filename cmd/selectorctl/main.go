// Command selectorctl is the debug CLI for the model-selection controller:
// run probes, force a selection pass, and inspect persisted cooldown/lock
// state outside the host agent process.
package main

import "github.com/pi-agent/model-selector/internal/cli"

func main() {
	cli.Execute()
}
