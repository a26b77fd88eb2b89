package config

import (
	"fmt"
	"strings"
)

// ParsedDSN identifies which selection-history backend a DSN selects,
// adapted from config.ParseDSN as used by usage.NewBackend.
type ParsedDSN struct {
	Backend string // "sqlite" or "postgres"
	Path    string // filesystem path, sqlite only
	URL     string // connection URL, postgres only
}

// ParseDSN recognizes "sqlite://<path>" and "postgres://..." /
// "postgresql://..." DSNs. An empty DSN returns (nil, nil): history
// persistence is disabled unless the host configures one.
func ParseDSN(dsn string) (*ParsedDSN, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return &ParsedDSN{Backend: "sqlite", Path: strings.TrimPrefix(dsn, "sqlite://")}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return &ParsedDSN{Backend: "postgres", URL: dsn}, nil
	default:
		return nil, fmt.Errorf("unrecognized history DSN %q (expected sqlite:// or postgres://)", dsn)
	}
}
