package config

import "time"

// Server timeouts.
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Serving-path timeouts.
const (
	ListQueryTimeout  = 30 * time.Second
	ReportTimeout     = 60 * time.Second
	UserPageTimeout   = 30 * time.Second
	LivePollInterval  = 30 * time.Second
	LiveWriteDeadline = 10 * time.Second
)

// Ingestion-side limits.
const (
	RemoteCommandTimeout = 10 * time.Minute
)
