//go:build linux

// Command vicodec-pipeline feeds a generated RGB3 stream to a V4L2
// memory-to-memory encoder (the vicodec FWHT test driver by default) and
// optionally saves the encoded stream.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-v4l2"
	"github.com/ehrlich-b/go-v4l2/internal/bufpool"
	"github.com/ehrlich-b/go-v4l2/internal/config"
	"github.com/ehrlich-b/go-v4l2/internal/encoder"
	"github.com/ehrlich-b/go-v4l2/internal/events"
	"github.com/ehrlich-b/go-v4l2/internal/framegen"
	"github.com/ehrlich-b/go-v4l2/internal/logging"
)

var (
	pixRGB3 = v4l2.FourCC("RGB3")
	pixFWHT = v4l2.FourCC("FWHT")
)

// drainTimeout bounds the wait for in-flight frames once the last one is
// submitted.
const drainTimeout = 2 * time.Second

func main() {
	cfg := config.Default()
	cmd := &cobra.Command{
		Use:   "vicodec-pipeline [device]",
		Short: "Encode a generated RGB3 stream with a V4L2 M2M encoder",
		Long: `Opens a multi-planar memory-to-memory encoder, feeds it a moving test pattern ` +
			`from user memory and reads the encoded stream back from device memory.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(&cfg, cmd.Flags()); err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Device = args[0]
			}
			return run(cfg)
		},
	}
	config.BindFlags(cmd.Flags(), &cfg)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Pipeline) error {
	logger := logging.NewLogger(cfg.LoggingConfig())
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dumpStacksOnSignal(logger)

	registry := prometheus.NewRegistry()
	observer := v4l2.NewPrometheusObserver(registry)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, registry, logger)
		defer srv.Shutdown(context.Background())
	}

	dev, err := v4l2.Open(cfg.Device, true)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}
	defer dev.Close()

	bus := events.New()
	enc, err := encoder.Open(dev, &encoder.Options{Logger: logger, Observer: observer, Bus: bus})
	if err != nil {
		return err
	}
	defer enc.Stop()

	capFmt, err := enc.ChangeCaptureFormat().SetPixelFormat(pixFWHT).Apply()
	if err != nil {
		return fmt.Errorf("failed to set capture format: %w", err)
	}
	if capFmt.PixelFormat != pixFWHT {
		return fmt.Errorf("FWHT format not supported, driver chose %s", capFmt.PixelFormat)
	}

	outFmt, err := enc.ChangeOutputFormat().
		SetPixelFormat(pixRGB3).
		SetSize(uint32(cfg.Width), uint32(cfg.Height)).
		Apply()
	if err != nil {
		return fmt.Errorf("failed to set output format: %w", err)
	}
	if outFmt.PixelFormat != pixRGB3 {
		return fmt.Errorf("RGB3 format not supported, driver chose %s", outFmt.PixelFormat)
	}
	if int(outFmt.Width) != cfg.Width || int(outFmt.Height) != cfg.Height {
		return fmt.Errorf("frame size %dx%d not supported, driver chose %dx%d", cfg.Width, cfg.Height, outFmt.Width, outFmt.Height)
	}
	if len(outFmt.Planes) != 1 {
		return fmt.Errorf("expected a single-plane RGB3 format, got %d planes", len(outFmt.Planes))
	}
	fmt.Printf("Adjusted output format: %+v\n", outFmt)
	fmt.Printf("Adjusted capture format: %+v\n", capFmt)
	fmt.Printf("Configured encoder for %dx%d (%d bytes per line)\n", outFmt.Width, outFmt.Height, outFmt.Planes[0].BytesPerLine)

	gen, err := framegen.New(int(outFmt.Width), int(outFmt.Height), int(outFmt.Planes[0].BytesPerLine))
	if err != nil {
		return err
	}
	frameSize := int(outFmt.Planes[0].SizeImage)

	if err := enc.Allocate(cfg.InputBuffers, cfg.CaptureBuffers); err != nil {
		return fmt.Errorf("failed to allocate encoder buffers: %w", err)
	}

	// One frame buffer per OUTPUT slot circulates between here and the device.
	free := make(chan []byte, enc.NumInputBuffers())
	for range enc.NumInputBuffers() {
		free <- bufpool.Get(frameSize)
	}

	var out *bufio.Writer
	if cfg.Save != "" {
		f, err := os.Create(cfg.Save)
		if err != nil {
			return fmt.Errorf("invalid output file: %w", err)
		}
		defer f.Close()
		out = bufio.NewWriter(f)
		defer out.Flush()
	}

	var written atomic.Uint64
	inputDone := func(h encoder.InputHandles) {
		free <- h[0].Data
	}
	outputReady := func(buf *encoder.EncodedBuffer) {
		if out == nil {
			return
		}
		m, err := v4l2.DQBufferPlaneMapping(buf, 0)
		if err != nil {
			logger.Error("failed to map capture buffer", "index", buf.Index(), "error", err)
			return
		}
		defer m.Close()
		if _, err := out.Write(m.Data()); err != nil {
			logger.Error("failed to write encoded data", "error", err)
			return
		}
		written.Add(uint64(m.Len()))
	}

	var total atomic.Uint64
	unsub := bus.Subscribe(func(e events.FrameEncodedEvent) {
		sum := total.Add(uint64(e.Bytes))
		fmt.Printf("\rEncoded buffer %5d, index: %2d, bytes used: %6d, total encoded size: %8d, fps: %5.2f",
			e.Sequence, e.Index, e.Bytes, sum, enc.Stats().FPS())
	})
	defer unsub()

	if err := enc.Start(inputDone, outputReady); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	start := time.Now()
	submitted, feedErr := feed(ctx, enc, gen, free, cfg.StopAfter, start)
	if feedErr == nil && ctx.Err() == nil {
		waitEncoded(ctx, enc, uint64(submitted))
	}

	stopErr := enc.Stop()
	fmt.Println()
	if stopErr != nil {
		stopErr = fmt.Errorf("failed to stop encoder: %w", stopErr)
	}
	if err := errors.Join(feedErr, stopErr); err != nil {
		return err
	}
	releaseFrames(free)

	stats := enc.Stats()
	logger.Info("pipeline finished",
		"submitted", submitted,
		"encoded", stats.Encoded,
		"encoded_bytes", stats.Bytes,
		"saved_bytes", written.Load(),
		"fps", fmt.Sprintf("%.2f", stats.FPS()))
	return nil
}

// feed submits generated frames until stopAfter frames are queued (0 means
// no limit) or ctx ends.
func feed(ctx context.Context, enc *encoder.Encoder, gen *framegen.Generator, free chan []byte, stopAfter int, start time.Time) (int, error) {
	submitted := 0
	for stopAfter == 0 || submitted < stopAfter {
		buf, err := enc.GetBuffer(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return submitted, nil
			}
			return submitted, err
		}

		var data []byte
		select {
		case data = <-free:
		case <-ctx.Done():
			buf.Release()
			return submitted, nil
		}

		if err := gen.NextFrame(data); err != nil {
			buf.Release()
			free <- data
			return submitted, fmt.Errorf("failed to generate frame: %w", err)
		}
		buf.SetTimestamp(time.Since(start))
		if err := buf.QueueWithHandles(encoder.InputHandles{{Data: data}}, []int{len(data)}); err != nil {
			var qe *v4l2.QueueError[v4l2.UserPtrHandle]
			if errors.As(err, &qe) {
				free <- qe.Handles[0].Data
			}
			return submitted, fmt.Errorf("failed to queue frame: %w", err)
		}
		submitted++
	}
	return submitted, nil
}

func releaseFrames(free chan []byte) {
	for {
		select {
		case b := <-free:
			bufpool.Put(b)
		default:
			return
		}
	}
}

// waitEncoded gives the device a chance to finish the frames in flight.
func waitEncoded(ctx context.Context, enc *encoder.Encoder, want uint64) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for enc.Stats().Encoded < want {
		select {
		case <-tick.C:
		case <-enc.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// dumpStacksOnSignal writes every goroutine stack to stderr on SIGUSR1.
func dumpStacksOnSignal(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n", buf[:n])
		logger.Info("goroutine stacks dumped")
	}
}
