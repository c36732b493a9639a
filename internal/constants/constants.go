package constants

import "time"

// Default configuration constants
const (
	// DefaultNumBuffers is the default number of slots requested per queue
	DefaultNumBuffers = 4

	// MaxBuffers is the upper bound accepted for a single allocation (VIDEO_MAX_FRAME)
	MaxBuffers = 64

	// MaxPlanes is the most planes a multi-planar buffer can carry
	MaxPlanes = 8

	// DefaultDevicePath is the node opened when none is given
	DefaultDevicePath = "/dev/video0"
)

// Timing constants for device interaction
const (
	// DeviceOpenRetries is how often opening a busy node is retried
	DeviceOpenRetries = 5

	// DeviceOpenRetryDelay is the wait between open attempts
	DeviceOpenRetryDelay = 20 * time.Millisecond

	// PollTimeout bounds a single readiness wait of the encoder loop
	PollTimeout = 500 * time.Millisecond
)

// Memory allocation constants
const (
	// PageSize is the alignment applied to user-pointer buffers
	PageSize = 4096
)
