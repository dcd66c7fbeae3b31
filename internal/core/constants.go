package core

import "time"

// Capture defaults
const (
	DefaultCaptureTimeout = 20 * time.Second
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 800
)

// Retry defaults
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = 10 * time.Minute
)

// Sweeper defaults
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultStaleAfter    = 15 * time.Minute
	DefaultSweepLimit    = 100
)

// Stored error messages are truncated to this many bytes.
const MaxErrorLength = 1024

// HTTP client configuration
const (
	UserAgent = "Mozilla/5.0 (compatible; bookshot/1.0)"
)
