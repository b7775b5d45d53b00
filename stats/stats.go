package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailgate/model"
)

type Stage string

const (
	StageHTTP      Stage = "http"
	StageStructure Stage = "structure"
	StageDecode    Stage = "decode"
	StageIMAP      Stage = "imap"
	StageSMTP      Stage = "smtp"
)

type EventType string

const (
	EventTypeServed        EventType = "served"
	EventTypeScanned       EventType = "scanned"
	EventTypeResolved      EventType = "resolved"
	EventTypeUnparsed      EventType = "unparsed"
	EventTypeSkipped       EventType = "skipped"
	EventTypeDecodeFailure EventType = "decode_failure"
	EventTypeProtocolError EventType = "protocol_error"
	EventTypeNotFound      EventType = "not_found"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Count  int
	Err    error
	Detail string
}

// Emitter accepts stats events. Implementations must not block indefinitely.
type Emitter interface {
	EmitEvent(evt Event)
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) EmitEvent(Event) {}

type Summary struct {
	Served         int    `json:"served"`
	Scanned        int    `json:"scanned"`
	Resolved       int    `json:"resolved"`
	Unparsed       int    `json:"unparsed"`
	Skipped        int    `json:"skipped_subtrees"`
	DecodeFailures int    `json:"decode_failures"`
	ProtocolErrors int    `json:"protocol_errors"`
	NotFound       int    `json:"not_found"`
	Errors         int    `json:"errors"`
	LastError      string `json:"last_error,omitempty"`
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"served", s.Served,
		"scanned", s.Scanned,
		"resolved", s.Resolved,
		"unparsed", s.Unparsed,
		"skippedSubtrees", s.Skipped,
		"decodeFailures", s.DecodeFailures,
		"protocolErrors", s.ProtocolErrors,
		"notFound", s.NotFound,
		"errors", s.Errors,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

// EmitAnalysis reports the outcome of one structure analysis: resolved and
// unparsed part counts plus skipped subtrees.
func EmitAnalysis(e Emitter, a *model.MessageAnalysis) {
	if a == nil {
		return
	}
	unparsed := 0
	for _, d := range a.Descriptors {
		if d.Role == model.RoleUnclassified {
			unparsed++
		}
	}
	if resolved := len(a.Descriptors) - unparsed; resolved > 0 {
		e.EmitEvent(Event{Stage: StageStructure, Type: EventTypeResolved, Count: resolved})
	}
	if unparsed > 0 {
		e.EmitEvent(Event{Stage: StageStructure, Type: EventTypeUnparsed, Count: unparsed})
	}
	if a.SkippedSubtrees > 0 {
		e.EmitEvent(Event{Stage: StageStructure, Type: EventTypeSkipped, Count: a.SkippedSubtrees})
	}
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	n := evt.Count
	if n <= 0 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeServed:
		c.summary.Served += n
	case EventTypeScanned:
		c.summary.Scanned += n
	case EventTypeResolved:
		c.summary.Resolved += n
	case EventTypeUnparsed:
		c.summary.Unparsed += n
	case EventTypeSkipped:
		c.summary.Skipped += n
	case EventTypeDecodeFailure:
		c.summary.DecodeFailures += n
	case EventTypeProtocolError:
		c.summary.ProtocolErrors += n
	case EventTypeNotFound:
		c.summary.NotFound += n
	case EventTypeError:
		c.summary.Errors += n
	}
	if evt.Err != nil {
		c.summary.LastError = string(evt.Stage) + ": " + evt.Err.Error()
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "uptime", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
