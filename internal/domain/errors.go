package domain

import "errors"

// Configuration errors. Surfaced during config load; the process aborts
// before any task is spawned.
var (
	ErrBadFilter             = errors.New("bad filter pattern")
	ErrBadDuration           = errors.New("bad block duration")
	ErrUnknownTarget         = errors.New("unknown ipset target")
	ErrUnknownBlacklistGroup = errors.New("unknown blacklist group")
)

// Initialization errors. Surfaced while bringing the daemon up; the process
// aborts before entering steady state.
var (
	ErrWatcherInit    = errors.New("log watcher initialization failed")
	ErrFirewallInit   = errors.New("firewall initialization failed")
	ErrAlreadyRunning = errors.New("another instance is already running")
)

// Soft runtime errors and shutdown warnings. Logged, never fatal.
var (
	ErrSnapshotDecode     = errors.New("snapshot decode failed")
	ErrShutdownIncomplete = errors.New("shutdown did not drain in time")
)
