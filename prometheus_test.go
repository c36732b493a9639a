package v4l2

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveQueue("output", 1000, 1_000, true)
	o.ObserveQueue("output", 0, 1_000, false)
	o.ObserveDequeue("capture", 300, 2_000_000, true)
	o.ObserveRecycle("capture")
	o.ObserveFuseFired("output")
	o.ObserveQueueDepth("capture", 3)

	if v := testutil.ToFloat64(o.buffers.WithLabelValues("output", "queue")); v != 1 {
		t.Errorf("queued buffers = %v, want 1", v)
	}
	if v := testutil.ToFloat64(o.bytes.WithLabelValues("capture", "dequeue")); v != 300 {
		t.Errorf("dequeued bytes = %v, want 300", v)
	}
	if v := testutil.ToFloat64(o.errors.WithLabelValues("output", "queue")); v != 1 {
		t.Errorf("queue errors = %v, want 1", v)
	}
	if v := testutil.ToFloat64(o.recycled.WithLabelValues("capture")); v != 1 {
		t.Errorf("recycled = %v, want 1", v)
	}
	if v := testutil.ToFloat64(o.fusesFired.WithLabelValues("output")); v != 1 {
		t.Errorf("fuses fired = %v, want 1", v)
	}
	if v := testutil.ToFloat64(o.depth.WithLabelValues("capture")); v != 3 {
		t.Errorf("depth = %v, want 3", v)
	}
	if n := testutil.CollectAndCount(o.latency); n != 2 {
		t.Errorf("latency series = %d, want 2", n)
	}
}

func TestPrometheusObserverWithQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	dev := NewMockDevice()
	init, err := NewOutputQueue(dev, &Options{Observer: o})
	if err != nil {
		t.Fatal(err)
	}
	q, err := AllocateOutput[MMAPHandle](init, 2)
	if err != nil {
		t.Fatal(err)
	}

	b, _ := q.GetFreeBuffer()
	if err := QueueSelfBackedOutput(b, []int{128}); err != nil {
		t.Fatal(err)
	}

	if v := testutil.ToFloat64(o.bytes.WithLabelValues("output", "queue")); v != 128 {
		t.Errorf("queued bytes = %v, want 128", v)
	}
	if v := testutil.ToFloat64(o.depth.WithLabelValues("output")); v != 1 {
		t.Errorf("depth = %v, want 1", v)
	}
}
