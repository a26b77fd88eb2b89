// Package transport provides the shared HTTP transport configuration for
// every provider probe. It exists to break a circular
// import between the probe executor and the resilience package.
package transport

import "time"

// Config holds HTTP transport settings tuned for short quota-probe calls:
// no streaming, a 10s per-call deadline, many small hosts.
var Config = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	H2ReadIdleTimeout            time.Duration
	H2PingTimeout                time.Duration
	H2StrictMaxConcurrentStreams bool
	H2AllowHTTP                  bool
}{
	MaxIdleConns:        200,
	MaxIdleConnsPerHost: 20,
	MaxConnsPerHost:     0,

	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 10 * time.Second,
	DialTimeout:           5 * time.Second,
	KeepAlive:             30 * time.Second,

	H2ReadIdleTimeout:            30 * time.Second,
	H2PingTimeout:                15 * time.Second,
	H2StrictMaxConcurrentStreams: false,
	H2AllowHTTP:                  false,
}
