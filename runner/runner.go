package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailgate/stats"
)

const eventBuffer = 128

type StageFunc func(context.Context) error

// Runner runs long-lived stages under a shared context and broadcasts their
// stats events to every subscriber. The first failing stage cancels the others.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	eventsMu        sync.RWMutex
	eventsClosed    bool
	closeEventsOnce sync.Once
	since           time.Time
}

func New(logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		since:  time.Now(),
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent delivers evt to the stats subscribers. Events emitted after the
// runner finished are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.eventsClosed {
		return
	}
	for _, ch := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn as a consumer of all events. Subscribers must be
// registered before the first stage is added.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, eventBuffer)
	r.eventsMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.eventsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if r.logger != nil {
			r.logger.Debug("stage started", "stage", name)
		}
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Wait blocks until every stage returned and the stats subscribers drained
// the remaining events.
func (r *Runner) Wait() error {
	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	uptime := time.Since(r.since)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("runner failed", "uptime", uptime, "err", err)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("runner stopped", "uptime", uptime)
	}
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.eventsMu.Lock()
		r.eventsClosed = true
		for _, ch := range r.subscribers {
			close(ch)
		}
		r.eventsMu.Unlock()
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
