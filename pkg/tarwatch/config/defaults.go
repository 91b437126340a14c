// Package config loads and validates tarwatch configuration.
package config

import "time"

// Default configuration values.
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultStabilityWindow = 5 * time.Second
	DefaultWorkers         = 2

	// SourcePoll rescans the watch root on every tick.
	SourcePoll = "poll"
	// SourceEvents additionally rescans when fsnotify reports a change.
	SourceEvents = "events"

	DefaultSource = SourcePoll

	DefaultAuditMaxSizeMB  = 50
	DefaultAuditMaxBackups = 10
)
