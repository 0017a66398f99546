package model

import "time"

// Shared defaults used by the agent binary and its components.
const (
	DefaultBatchSize     = 10
	DefaultBatchInterval = 10 * time.Second
	DefaultMaxQueueSize  = 100
	DefaultRetentionAge  = 24 * time.Hour
)
