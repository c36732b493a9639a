package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeFrameEncoded uint32 = iota + 1
	TypeInputDone
	TypeEncoderError
	TypeEncoderStopped
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FrameEncodedEvent is published for every capture buffer the encoder
// retrieves.
type FrameEncodedEvent struct {
	Device    string
	Index     int
	Sequence  uint32
	Bytes     int
	Keyframe  bool
	Last      bool
	Timestamp time.Duration
}

// Type returns the event type identifier for FrameEncodedEvent.
func (e FrameEncodedEvent) Type() uint32 { return TypeFrameEncoded }

// InputDoneEvent is published when the device hands back an input frame.
type InputDoneEvent struct {
	Device   string
	Index    int
	Sequence uint32
}

// Type returns the event type identifier for InputDoneEvent.
func (e InputDoneEvent) Type() uint32 { return TypeInputDone }

// EncoderErrorEvent reports a failure inside the encoder loop.
type EncoderErrorEvent struct {
	Device string
	Op     string
	Error  string
}

// Type returns the event type identifier for EncoderErrorEvent.
func (e EncoderErrorEvent) Type() uint32 { return TypeEncoderError }

// EncoderStoppedEvent is published once the encoder loop has exited.
type EncoderStoppedEvent struct {
	Device  string
	Encoded uint64
	Elapsed time.Duration
}

// Type returns the event type identifier for EncoderStoppedEvent.
func (e EncoderStoppedEvent) Type() uint32 { return TypeEncoderStopped }
