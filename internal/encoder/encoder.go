// Package encoder drives a memory-to-memory encoder such as vicodec. Raw
// frames go to the device through the OUTPUT queue from user memory and
// encoded data comes back on the CAPTURE queue in device memory.
//
// A background loop waits for the device, hands retrieved input buffers
// back through the input-done callback and passes encoded buffers to the
// output-ready callback before requeueing them.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-v4l2"
	"github.com/ehrlich-b/go-v4l2/internal/constants"
	"github.com/ehrlich-b/go-v4l2/internal/events"
	"github.com/ehrlich-b/go-v4l2/internal/logging"
)

const defaultInterval = 5 * time.Millisecond

type (
	// InputBuffer is a free OUTPUT slot ready to take a frame.
	InputBuffer = v4l2.OutputBuffer[v4l2.UserPtrHandle]

	// InputHandles is the frame memory of one OUTPUT buffer.
	InputHandles = v4l2.PlaneHandles[v4l2.UserPtrHandle]

	// EncodedBuffer is a retrieved CAPTURE buffer holding encoded data.
	EncodedBuffer = v4l2.DQBuffer[v4l2.Capture, v4l2.MMAPHandle]
)

// InputDoneFunc receives frame memory the device no longer uses.
type InputDoneFunc func(handles InputHandles)

// OutputReadyFunc receives each encoded buffer. The buffer is requeued
// once the callback returns and must not be retained.
type OutputReadyFunc func(buf *EncodedBuffer)

var (
	// ErrStopped is returned by GetBuffer once the encoder has stopped.
	ErrStopped = errors.New("encoder stopped")

	errNotAllocated = errors.New("encoder buffers not allocated")
)

// Options configures an Encoder
type Options struct {
	// Logger for encoder and queue messages (if nil, no logging)
	Logger *logging.Logger

	// Observer receives queue metrics for both queues
	Observer v4l2.Observer

	// Bus, when set, receives progress events
	Bus *events.Bus

	// Waiter overrides how the loop waits for the device. By default the
	// node descriptor is polled when the device exposes one.
	Waiter Waiter

	// PollTimeout bounds a single wait (default constants.PollTimeout)
	PollTimeout time.Duration
}

// Stats summarizes the work done since Start.
type Stats struct {
	Encoded uint64
	Bytes   uint64
	Inputs  uint64
	Elapsed time.Duration
}

// FPS returns the encoded frame rate.
func (s Stats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Encoded) / s.Elapsed.Seconds()
}

// Encoder owns the two queues of one M2M device.
type Encoder struct {
	dev         v4l2.Device
	path        string
	log         *logging.Logger
	bus         *events.Bus
	waiter      Waiter
	pollTimeout time.Duration

	outputInit  *v4l2.Queue[v4l2.Output]
	captureInit *v4l2.Queue[v4l2.Capture]
	output      *v4l2.OutputQueue[v4l2.UserPtrHandle]
	capture     *v4l2.CaptureQueue[v4l2.MMAPHandle]

	inputDone   InputDoneFunc
	outputReady OutputReadyFunc

	freed   chan struct{}
	stop    chan struct{}
	done    chan struct{}
	loopErr error // written by the loop before done is closed

	mu      sync.Mutex
	running bool
	stopped bool
	stopErr error
	started atomic.Bool

	start   time.Time
	encoded atomic.Uint64
	bytes   atomic.Uint64
	inputs  atomic.Uint64
}

// Open claims both queues of dev. The device is not closed by the
// encoder.
func Open(dev v4l2.Device, options *Options) (*Encoder, error) {
	if options == nil {
		options = &Options{}
	}
	base := options.Logger
	if base == nil {
		base = logging.Nop()
	}
	log := base
	path := "unknown"
	if nd, ok := dev.(v4l2.NamedDevice); ok {
		path = nd.Path()
		log = log.WithDevice(path)
	}

	qopts := &v4l2.Options{Logger: base, Observer: options.Observer}
	out, err := v4l2.NewOutputQueue(dev, qopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open output queue: %w", err)
	}
	capq, err := v4l2.NewCaptureQueue(dev, qopts)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to open capture queue: %w", err)
	}

	timeout := options.PollTimeout
	if timeout <= 0 {
		timeout = constants.PollTimeout
	}

	log.Debug("encoder opened")
	return &Encoder{
		dev:         dev,
		path:        path,
		log:         log,
		bus:         options.Bus,
		waiter:      options.Waiter,
		pollTimeout: timeout,
		outputInit:  out,
		captureInit: capq,
		freed:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// ChangeOutputFormat negotiates the raw frame format. Only valid before
// Allocate.
func (e *Encoder) ChangeOutputFormat() *v4l2.FormatBuilder[v4l2.Output] {
	return e.outputInit.ChangeFormat()
}

// ChangeCaptureFormat negotiates the encoded format. Only valid before
// Allocate.
func (e *Encoder) ChangeCaptureFormat() *v4l2.FormatBuilder[v4l2.Capture] {
	return e.captureInit.ChangeFormat()
}

// OutputFormat returns the current raw frame format.
func (e *Encoder) OutputFormat() (v4l2.Format, error) { return e.outputInit.Format() }

// CaptureFormat returns the current encoded format.
func (e *Encoder) CaptureFormat() (v4l2.Format, error) { return e.captureInit.Format() }

// Allocate requests the input and encoded buffers.
func (e *Encoder) Allocate(numOutput, numCapture int) error {
	out, err := v4l2.AllocateOutput[v4l2.UserPtrHandle](e.outputInit, numOutput)
	if err != nil {
		return err
	}
	capq, err := v4l2.AllocateCapture[v4l2.MMAPHandle](e.captureInit, numCapture)
	if err != nil {
		if _, ferr := out.Free(); ferr != nil {
			e.log.Warn("failed to free output buffers", "error", ferr)
		}
		return err
	}
	e.output, e.capture = out, capq
	e.log.Info("encoder buffers allocated", "output", out.NumBuffers(), "capture", capq.NumBuffers())
	return nil
}

// NumInputBuffers returns the number of OUTPUT slots.
func (e *Encoder) NumInputBuffers() int {
	if e.output == nil {
		return 0
	}
	return e.output.NumBuffers()
}

// Start queues every capture buffer, starts streaming on both queues and
// launches the loop. Callbacks run on the loop goroutine.
func (e *Encoder) Start(inputDone InputDoneFunc, outputReady OutputReadyFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.running {
		return errors.New("encoder already started")
	}
	if e.output == nil || e.capture == nil {
		return errNotAllocated
	}
	e.inputDone, e.outputReady = inputDone, outputReady

	if e.waiter == nil {
		w, err := newDeviceWaiter(e.dev)
		if err != nil {
			e.log.Warn("device poll unavailable, polling on an interval", "error", err)
			w = NewIntervalWaiter(defaultInterval)
		}
		e.waiter = w
	}

	if err := e.refillCapture(); err != nil {
		return err
	}
	if err := e.output.StreamOn(); err != nil {
		return err
	}
	if err := e.capture.StreamOn(); err != nil {
		if _, serr := e.output.StreamOff(); serr != nil {
			e.log.Warn("failed to stop output queue", "error", serr)
		}
		return err
	}

	e.start = time.Now()
	e.started.Store(true)
	e.running = true
	go e.run()
	e.log.Info("encoder started")
	return nil
}

// refillCapture hands every free capture slot back to the device.
func (e *Encoder) refillCapture() error {
	for {
		buf, ok := e.capture.GetFreeBuffer()
		if !ok {
			return nil
		}
		if err := v4l2.QueueSelfBacked(buf); err != nil {
			return err
		}
	}
}

// GetBuffer blocks until an OUTPUT slot is free. The returned buffer must
// be submitted or released.
func (e *Encoder) GetBuffer(ctx context.Context) (*InputBuffer, error) {
	if e.output == nil {
		return nil, errNotAllocated
	}
	for {
		if buf, ok := e.output.GetFreeBuffer(); ok {
			return buf, nil
		}
		select {
		case <-e.freed:
		case <-e.done:
			if e.loopErr != nil {
				return nil, e.loopErr
			}
			return nil, ErrStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed when the loop exits.
func (e *Encoder) Done() <-chan struct{} { return e.done }

// Err returns the error that ended the loop, if any.
func (e *Encoder) Err() error {
	select {
	case <-e.done:
		return e.loopErr
	default:
		return nil
	}
}

// Stats returns the progress counters.
func (e *Encoder) Stats() Stats {
	s := Stats{Encoded: e.encoded.Load(), Bytes: e.bytes.Load(), Inputs: e.inputs.Load()}
	if e.started.Load() {
		s.Elapsed = time.Since(e.start)
	}
	return s
}

func (e *Encoder) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		if err := e.waiter.Wait(e.pollTimeout); err != nil {
			e.fail("POLL", err)
			return
		}
		if err := e.drainOutput(); err != nil {
			e.fail("DQBUF", err)
			return
		}
		if err := e.drainCapture(); err != nil {
			e.fail("DQBUF", err)
			return
		}
	}
}

func (e *Encoder) fail(op string, err error) {
	e.loopErr = err
	e.log.Error("encoder loop failed", "op", op, "error", err)
	if e.bus != nil {
		e.bus.Publish(events.EncoderErrorEvent{Device: e.path, Op: op, Error: err.Error()})
	}
}

func (e *Encoder) drainOutput() error {
	for {
		dq, err := e.output.Dequeue()
		if v4l2.IsCode(err, v4l2.ErrCodeNotReady) {
			return nil
		}
		if err != nil {
			return err
		}
		index, seq := dq.Index(), dq.Sequence()
		handles, err := dq.Recycle()
		if err != nil {
			return err
		}
		e.inputs.Add(1)
		if e.inputDone != nil {
			e.inputDone(handles)
		}
		select {
		case e.freed <- struct{}{}:
		default:
		}
		if e.bus != nil {
			e.bus.Publish(events.InputDoneEvent{Device: e.path, Index: index, Sequence: seq})
		}
	}
}

func (e *Encoder) drainCapture() error {
	for {
		dq, err := e.capture.Dequeue()
		if v4l2.IsCode(err, v4l2.ErrCodeNotReady) {
			return nil
		}
		if err != nil {
			return err
		}

		n := dq.TotalBytesUsed()
		ev := events.FrameEncodedEvent{
			Device:    e.path,
			Index:     dq.Index(),
			Sequence:  dq.Sequence(),
			Bytes:     n,
			Keyframe:  dq.IsKeyframe(),
			Last:      dq.IsLast(),
			Timestamp: dq.Timestamp(),
		}
		if dq.HasError() {
			e.log.Warn("encoded buffer flagged with error", "index", ev.Index, "sequence", ev.Sequence)
		}
		e.encoded.Add(1)
		e.bytes.Add(uint64(n))

		if e.outputReady != nil {
			e.outputReady(dq)
		}
		// the callback may have released it already
		if _, err := dq.Recycle(); err != nil && !v4l2.IsCode(err, v4l2.ErrCodeInvalidState) {
			return err
		}
		if err := e.refillCapture(); err != nil {
			return err
		}

		if e.bus != nil {
			e.bus.Publish(ev)
		}
		if ev.Last {
			e.log.Info("encoder drained", "sequence", ev.Sequence)
		}
	}
}

// Stop ends the loop, stops streaming and frees both queues. Input
// buffers still owned by the device come back through the input-done
// callback. Every buffer obtained from GetBuffer must have been submitted
// or released first.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return e.stopErr
	}
	e.stopped = true
	e.stopErr = e.shutdown()
	return e.stopErr
}

// shutdown must be called with e.mu held.
func (e *Encoder) shutdown() error {
	var errs []error
	if e.running {
		close(e.stop)
		e.waiter.Wake()
		<-e.done
	} else {
		close(e.done)
	}

	if e.output != nil {
		if e.output.IsStreaming() {
			returned, err := e.output.StreamOff()
			if err != nil {
				errs = append(errs, err)
			}
			for _, h := range returned {
				if e.inputDone != nil {
					e.inputDone(h)
				}
			}
		}
		if _, err := e.output.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.capture != nil {
		if e.capture.IsStreaming() {
			if _, err := e.capture.StreamOff(); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := e.capture.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.outputInit.Close(), e.captureInit.Close())
	if e.waiter != nil {
		errs = append(errs, e.waiter.Close())
	}

	stats := e.Stats()
	if e.bus != nil && e.running {
		e.bus.Publish(events.EncoderStoppedEvent{Device: e.path, Encoded: stats.Encoded, Elapsed: stats.Elapsed})
	}
	e.log.Info("encoder stopped", "encoded", stats.Encoded, "bytes", stats.Bytes)
	return errors.Join(errs...)
}
