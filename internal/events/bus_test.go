package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan FrameEncodedEvent, 1)

	unsub := bus.Subscribe(func(e FrameEncodedEvent) {
		received <- e
	})
	defer unsub()

	ev := FrameEncodedEvent{Device: "/dev/video0", Index: 1, Sequence: 7, Bytes: 1234, Keyframe: true}
	bus.Publish(ev)

	select {
	case got := <-received:
		require.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusRoutesByType(t *testing.T) {
	bus := New()
	inputs := make(chan InputDoneEvent, 1)
	stopped := make(chan EncoderStoppedEvent, 1)

	defer bus.Subscribe(func(e InputDoneEvent) { inputs <- e })()
	defer bus.Subscribe(func(e EncoderStoppedEvent) { stopped <- e })()

	bus.Publish(EncoderStoppedEvent{Device: "/dev/video0", Encoded: 3})

	select {
	case got := <-stopped:
		require.EqualValues(t, 3, got.Encoded)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case <-inputs:
		t.Fatal("input subscriber received a stop event")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New()
	received := make(chan EncoderErrorEvent, 1)

	unsub := bus.Subscribe(func(e EncoderErrorEvent) {
		received <- e
	})

	bus.Publish(EncoderErrorEvent{Op: "DQBUF"})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsub()

	bus.Publish(EncoderErrorEvent{Op: "QBUF"})
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBusUnknownHandler(t *testing.T) {
	bus := New()
	unsub := bus.Subscribe(func(string) {})
	require.NotNil(t, unsub)
	unsub()
}

func TestEventTypes(t *testing.T) {
	require.Equal(t, TypeFrameEncoded, FrameEncodedEvent{}.Type())
	require.Equal(t, TypeInputDone, InputDoneEvent{}.Type())
	require.Equal(t, TypeEncoderError, EncoderErrorEvent{}.Type())
	require.Equal(t, TypeEncoderStopped, EncoderStoppedEvent{}.Type())
}
