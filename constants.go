package v4l2

import "github.com/ehrlich-b/go-v4l2/internal/constants"

// Re-export constants for public API
const (
	DefaultNumBuffers = constants.DefaultNumBuffers
	MaxBuffers        = constants.MaxBuffers
	MaxPlanes         = constants.MaxPlanes
	DefaultDevicePath = constants.DefaultDevicePath
)
