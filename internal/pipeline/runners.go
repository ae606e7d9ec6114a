package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"elata.dev/eegd/internal/metrics"
	"elata.dev/eegd/internal/packet"
	"elata.dev/eegd/internal/stage"
	"elata.dev/eegd/internal/stages"
)

// classify turns a Step error into scheduler action: fatal errors stop the
// stage's loop and propagate; everything else (transient, backpressure,
// contract) is dropped without being recorded and the loop continues.
func classify(pipelineID, stageName string, err error) (fatal bool) {
	var serr *stage.Error
	if errors.As(err, &serr) {
		return serr.Kind == stage.KindFatal
	}
	return false
}

// runTransform drives a Transform stage: recv from in, call step under mu,
// fan the result out to every configured downstream edge. A is the input
// sample type, B the output sample type — to_voltage (RawI32->Voltage) and
// gui_filter (Voltage->Voltage) are both instances of this shape.
func runTransform[A, B packet.Sample](
	pipelineID, stageName string,
	mu *sync.Mutex,
	in *stage.Edge[*packet.Packet[A]],
	outs []*stage.Edge[*packet.Packet[B]],
	step func(*packet.Packet[A]) (*packet.Packet[B], error),
) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			p, err := in.Recv(ctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			start := time.Now()
			out, serr := step(p)
			metrics.StageLatencySeconds.WithLabelValues(pipelineID, stageName).Observe(time.Since(start).Seconds())
			mu.Unlock()
			if serr != nil {
				if classify(pipelineID, stageName, serr) {
					return serr
				}
				continue
			}
			metrics.PacketsTotal.WithLabelValues(pipelineID, stageName).Inc()
			if out == nil || len(outs) == 0 {
				continue
			}
			if len(outs) == 1 {
				if err := outs[0].Send(ctx, out); err != nil {
					out.Release()
				}
				continue
			}
			views := packet.Fanout(out, len(outs))
			for i, e := range outs {
				if err := e.Send(ctx, views[i]); err != nil {
					views[i].Release()
				}
			}
		}
	}
}

// runFftTransform drives the fft stage, whose output type (*stages.FftPacket)
// is not a packet.Sample and so cannot share runTransform's generic shape.
func runFftTransform(
	pipelineID, stageName string,
	mu *sync.Mutex,
	in *stage.Edge[*packet.Packet[packet.Voltage]],
	outs []*stage.Edge[*stages.FftPacket],
	step func(*packet.Packet[packet.Voltage]) (*stages.FftPacket, error),
) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			p, err := in.Recv(ctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			start := time.Now()
			out, serr := step(p)
			metrics.StageLatencySeconds.WithLabelValues(pipelineID, stageName).Observe(time.Since(start).Seconds())
			mu.Unlock()
			if serr != nil {
				if classify(pipelineID, stageName, serr) {
					return serr
				}
				continue
			}
			metrics.PacketsTotal.WithLabelValues(pipelineID, stageName).Inc()
			if out == nil {
				continue
			}
			for _, e := range outs {
				_ = e.Send(ctx, out)
			}
		}
	}
}

// runSink drives a terminal stage accepting Packet[T].
func runSink[T packet.Sample](
	pipelineID, stageName string,
	mu *sync.Mutex,
	in *stage.Edge[*packet.Packet[T]],
	step func(*packet.Packet[T]) error,
) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			p, err := in.Recv(ctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			start := time.Now()
			serr := step(p)
			metrics.StageLatencySeconds.WithLabelValues(pipelineID, stageName).Observe(time.Since(start).Seconds())
			mu.Unlock()
			if serr != nil {
				if classify(pipelineID, stageName, serr) {
					return serr
				}
				continue
			}
			metrics.PacketsTotal.WithLabelValues(pipelineID, stageName).Inc()
		}
	}
}

// runFftSink drives websocket_sink when its declared input is an FftPacket edge.
func runFftSink(
	pipelineID, stageName string,
	mu *sync.Mutex,
	in *stage.Edge[*stages.FftPacket],
	step func(*stages.FftPacket) error,
) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			p, err := in.Recv(ctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			start := time.Now()
			serr := step(p)
			metrics.StageLatencySeconds.WithLabelValues(pipelineID, stageName).Observe(time.Since(start).Seconds())
			mu.Unlock()
			if serr != nil {
				if classify(pipelineID, stageName, serr) {
					return serr
				}
				continue
			}
			metrics.PacketsTotal.WithLabelValues(pipelineID, stageName).Inc()
		}
	}
}

// runSource drives an eeg_source stage via its own Runner.Run loop.
func runSource(src stage.Runner) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return src.Run(ctx)
	}
}
