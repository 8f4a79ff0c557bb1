package contextstore

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chimera-agents/chimera/pkg/telemetry"
)

// Sweeper runs retention sweeps over context partitions on a fixed interval.
// Each partition class has its own retention window.
type Sweeper struct {
	store    Store
	interval time.Duration
	windows  map[string]time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	tracer   trace.Tracer
}

// NewSweeper creates a retention sweeper. A nil or empty window set disables
// sweeping for every class.
func NewSweeper(store Store, interval time.Duration, windows map[string]time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		windows:  windows,
		now:      time.Now,
		tracer:   otel.Tracer("chimera/contextstore"),
	}
}

// Start launches the sweep loop. It is a no-op when the interval is zero or
// no windows are configured.
func (s *Sweeper) Start() {
	log := telemetry.ComponentLogger("contextstore")
	if s.interval <= 0 || len(s.windows) == 0 {
		log.Info("contextstore.sweeper.disabled",
			slog.Duration("interval", s.interval),
			slog.Int("classes", len(s.windows)),
		)
		return
	}
	if s.cancel != nil {
		s.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		log.Info("contextstore.sweeper.start",
			slog.Duration("interval", s.interval),
			slog.Int("classes", len(s.windows)),
		)
		for {
			select {
			case <-ctx.Done():
				log.Info("contextstore.sweeper.stop")
				return
			case <-ticker.C:
				s.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce runs one sweep over every configured class.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	log := telemetry.ComponentLogger("contextstore")
	sweepCtx, span := s.tracer.Start(ctx, "ContextStore.Sweep",
		trace.WithAttributes(attribute.Int("classes", len(s.windows))),
	)
	defer span.End()

	for class, window := range s.windows {
		if window <= 0 {
			continue
		}
		cutoff := s.now().Add(-window)
		removed, err := s.store.SweepClass(sweepCtx, class, cutoff)
		if err != nil {
			span.RecordError(err)
			log.Warn("contextstore.sweep.error",
				slog.String("class", class),
				slog.String("error", err.Error()),
			)
			continue
		}
		if removed > 0 {
			log.Info("contextstore.sweep",
				slog.String("class", class),
				slog.Int("removed", removed),
				slog.Time("cutoff", cutoff),
			)
		}
	}
}

// Stop halts the sweep loop and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
