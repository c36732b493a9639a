package interfaces

import (
	"fmt"
	"strings"
)

// PixelFormat is a V4L2 FourCC pixel format code.
type PixelFormat uint32

// FourCC packs a four character code. Shorter codes are space padded.
func FourCC(code string) PixelFormat {
	var b [4]byte
	copy(b[:], code+"    ")
	return PixelFormat(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

func (p PixelFormat) String() string {
	b := []byte{byte(p), byte(p >> 8), byte(p >> 16), byte(p >> 24)}
	return strings.TrimRight(string(b), " \x00")
}

func (t BufType) String() string {
	switch t {
	case 1:
		return "VIDEO_CAPTURE"
	case 2:
		return "VIDEO_OUTPUT"
	case 9:
		return "VIDEO_CAPTURE_MPLANE"
	case 10:
		return "VIDEO_OUTPUT_MPLANE"
	}
	return fmt.Sprintf("BufType(%d)", uint32(t))
}

func (m MemoryType) String() string {
	switch m {
	case 1:
		return "MMAP"
	case 2:
		return "USERPTR"
	case 3:
		return "OVERLAY"
	case 4:
		return "DMABUF"
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(m))
}
