// Package framegen produces a moving RGB24 test pattern.
package framegen

import "fmt"

const bytesPerPixel = 3

// Generator fills frames with a diagonal gradient that shifts by one
// step each frame.
type Generator struct {
	width  int
	height int
	stride int
	step   int
}

// New returns a generator for width x height frames with stride bytes per
// line.
func New(width, height, stride int) (*Generator, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if stride < width*bytesPerPixel {
		return nil, fmt.Errorf("stride %d too small for width %d", stride, width)
	}
	return &Generator{width: width, height: height, stride: stride}, nil
}

// FrameSize returns the number of bytes a frame needs.
func (g *Generator) FrameSize() int { return g.stride * g.height }

// Frame returns the number of frames generated so far.
func (g *Generator) Frame() int { return g.step }

// NextFrame writes the next frame into buf.
func (g *Generator) NextFrame(buf []byte) error {
	if len(buf) < g.FrameSize() {
		return fmt.Errorf("frame buffer of %d bytes too small, need %d", len(buf), g.FrameSize())
	}
	for y := 0; y < g.height; y++ {
		line := buf[y*g.stride : y*g.stride+g.width*bytesPerPixel]
		for x := 0; x < g.width; x++ {
			px := line[x*bytesPerPixel : x*bytesPerPixel+bytesPerPixel]
			px[0] = byte(x + g.step)
			px[1] = byte(y + g.step)
			px[2] = byte(x + y + 2*g.step)
		}
	}
	g.step++
	return nil
}
