package domain

import (
	"net/netip"
	"time"
)

// Rule is one named detection rule: the log file it watches, the filter
// patterns that classify its lines, optional blacklist screens over named
// captures, and how long an offender stays blocked. Immutable after load.
type Rule struct {
	Name       string
	File       string
	Filters    []string
	Blacklists map[string][]string
	Timeout    time.Duration
	Ports      []uint16 // accepted in the config but not acted on
}

// BlockEntry is one address's active block. The address alone is the
// uniqueness key across all rules.
type BlockEntry struct {
	Addr      netip.Addr
	Rule      string
	ExpiresAt time.Time
}
