package progress

import (
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailgate/stats"
)

// Bar shows how many messages of an mbox file have been inspected. A
// disabled Bar consumes events without drawing anything.
type Bar struct {
	mu       sync.Mutex
	pb       *pterm.ProgressbarPrinter
	out      io.Writer
	total    int
	current  int
	warnings int
}

// New starts a bar over total messages. It is only drawn when enabled.
func New(total int, enabled bool, out io.Writer) *Bar {
	bar := &Bar{total: total, out: out}
	if !enabled || total <= 0 {
		return bar
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Inspecting messages").
		WithWriter(out).
		Start()
	if err == nil {
		bar.pb = pb
	}
	return bar
}

// Update advances the bar on scanned messages and prints degraded parts
// above it.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.current++
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeDecodeFailure, stats.EventTypeError:
		b.warnings++
		if b.pb != nil && evt.Err != nil {
			pterm.Warning.WithWriter(b.out).Printfln("%s: %v", evt.Detail, evt.Err)
		}
	}
}

func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Counts returns the number of scanned messages and warnings seen so far.
func (b *Bar) Counts() (scanned, warnings int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.warnings
}

// Subscriber consumes a runner's event stream until it is closed, then stops
// the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// PrintSummary renders the final stats of an inspection run.
func PrintSummary(out io.Writer, summary stats.Summary) error {
	data := pterm.TableData{
		{"Metric", "Count"},
		{"Messages scanned", strconv.Itoa(summary.Scanned)},
		{"Parts resolved", strconv.Itoa(summary.Resolved)},
		{"Parts unparsed", strconv.Itoa(summary.Unparsed)},
		{"Subtrees skipped", strconv.Itoa(summary.Skipped)},
		{"Decode failures", strconv.Itoa(summary.DecodeFailures)},
		{"Errors", strconv.Itoa(summary.Errors)},
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = io.WriteString(out, table+"\n")
	return err
}
