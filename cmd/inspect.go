package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailgate/config"
	"github.com/dhcgn/mailgate/filter"
	"github.com/dhcgn/mailgate/logging"
	"github.com/dhcgn/mailgate/mbox"
	"github.com/dhcgn/mailgate/model"
	"github.com/dhcgn/mailgate/progress"
	"github.com/dhcgn/mailgate/runner"
	"github.com/dhcgn/mailgate/stats"
	"github.com/dhcgn/mailgate/structure"
)

const reportFile = "report_descriptors.csv"

type InspectOptions struct {
	Path      string
	Decode    bool
	Summary   bool
	ReportDir string
	Filter    filter.Options
}

// NewInspectCommand resolves the MIME structure of every message in an mbox
// file without a mail server.
func NewInspectCommand() *cobra.Command {
	var opts InspectOptions
	cmd := &cobra.Command{
		Use:   "inspect [mbox file]",
		Short: "Resolve the MIME structure of every message in an mbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, dir, err := config.LoadLogging(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := logging.Setup(level, dir, "mailgate-inspect")
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			opts.Path = args[0]
			return RunInspect(opts, cmd.OutOrStdout(), logger, level == "info")
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Decode, "decode", false, "Decode every located part and report failures")
	flags.BoolVar(&opts.Summary, "summary", false, "Only print the final summary, with a progress bar")
	flags.StringVarP(&opts.ReportDir, "output", "o", "", "Directory for a CSV report of all descriptors")
	flags.StringArrayVar(&opts.Filter.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.Filter.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.Filter.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArrayVar(&opts.Filter.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return cmd
}

// RunInspect walks the mbox file once, printing the descriptors of every
// selected message to out, and finishes with a stats summary.
func RunInspect(opts InspectOptions, out io.Writer, logger *slog.Logger, showProgress bool) error {
	f, err := filter.New(opts.Filter)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	var total int
	if opts.Summary {
		total, err = countMessages(opts.Path)
		if err != nil {
			return err
		}
	}

	r := runner.New(logger)
	reporter := stats.NewReporter(r, logger)
	bar := progress.New(total, opts.Summary && showProgress, out)
	r.SubscribeStats("progress", bar.Subscriber)

	var report *descriptorReport
	if opts.ReportDir != "" {
		report, err = newDescriptorReport(opts.ReportDir)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
	}

	ins := &inspector{
		opts:   opts,
		out:    out,
		filter: f,
		events: r,
		report: report,
		logger: logger,
	}
	r.AddStage("inspect", func(ctx context.Context) error {
		return mbox.Scan(ctx, opts.Path, ins.inspect)
	})

	runErr := r.Wait()
	if report != nil {
		if err := report.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("write report: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(out, "\n%d messages inspected, %d skipped by filters\n", ins.inspected, ins.skipped)
	for _, hit := range f.Hits() {
		fmt.Fprintf(out, "  %s %s %q: %d hits\n", hit.Mode, hit.Scope, hit.Pattern, hit.Count)
	}
	if report != nil {
		fmt.Fprintf(out, "Report saved to %s\n", filepath.Join(opts.ReportDir, reportFile))
	}
	return progress.PrintSummary(out, reporter.Summary())
}

type inspector struct {
	opts   InspectOptions
	out    io.Writer
	filter *filter.Filter
	events stats.Emitter
	report *descriptorReport
	logger *slog.Logger

	inspected int
	skipped   int
}

func (i *inspector) inspect(seq uint32, raw []byte) error {
	header, body := mbox.SplitRawMessage(raw)
	if !i.filter.Allows(header, body) {
		i.skipped++
		return nil
	}
	i.inspected++
	i.events.EmitEvent(stats.Event{Stage: stats.StageStructure, Type: stats.EventTypeScanned})

	msg, err := mbox.ParseMessage(seq, raw)
	if err != nil {
		i.events.EmitEvent(stats.Event{Stage: stats.StageStructure, Type: stats.EventTypeError, Err: err, Detail: fmt.Sprintf("message %d", seq)})
		i.logger.Warn("message skipped", "seq", seq, "err", err)
		return nil
	}

	analysis := structure.Analyze(msg.Structure, msg.Text, i.logger)
	stats.EmitAnalysis(i.events, analysis)

	var failures []string
	if i.opts.Decode {
		failures = i.decodeAll(seq, msg, analysis)
	}
	if i.report != nil {
		if err := i.report.add(seq, analysis); err != nil {
			return err
		}
	}
	if !i.opts.Summary {
		return printMessage(i.out, msg, analysis, failures)
	}
	return nil
}

// decodeAll decodes every located part and returns a line per failure.
func (i *inspector) decodeAll(seq uint32, msg *model.RawMessage, analysis *model.MessageAnalysis) []string {
	var failures []string
	for _, d := range analysis.Descriptors {
		if !d.Located {
			continue
		}
		if _, err := structure.Decode(d.EncodingTag, d.Range.Slice(msg.Text)); err != nil {
			detail := fmt.Sprintf("message %d part %q", seq, d.Label)
			i.events.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecodeFailure, Err: err, Detail: detail})
			failures = append(failures, fmt.Sprintf("%s: %v", d.Label, err))
		}
	}
	return failures
}

func printMessage(out io.Writer, msg *model.RawMessage, analysis *model.MessageAnalysis, failures []string) error {
	env := msg.Envelope
	fmt.Fprintf(out, "#%d  %s  %s\n", env.SeqNum, env.Sender(), env.Subject)
	if len(analysis.Descriptors) == 0 {
		fmt.Fprintln(out, "  (no parts)")
		return nil
	}

	data := pterm.TableData{{"Label", "Role", "Encoding", "Range", "Size"}}
	for _, d := range analysis.Descriptors {
		rng := "unlocated"
		if d.Located {
			rng = fmt.Sprintf("%d-%d", d.Range.Start, d.Range.End)
		}
		data = append(data, []string{d.Label, d.Role.String(), d.Encoding.String(), rng, strconv.FormatUint(uint64(d.SizeOctets), 10)})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithLeftAlignment().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, table)
	if analysis.SkippedSubtrees > 0 {
		fmt.Fprintf(out, "  %d subtree(s) skipped: multipart without boundary\n", analysis.SkippedSubtrees)
	}
	for _, f := range failures {
		fmt.Fprintf(out, "  ! decode %s\n", f)
	}
	return nil
}

func countMessages(path string) (int, error) {
	n := 0
	err := mbox.Scan(context.Background(), path, func(uint32, []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// descriptorReport writes one CSV row per descriptor.
type descriptorReport struct {
	file   *os.File
	writer *csv.Writer
}

func newDescriptorReport(dir string) (*descriptorReport, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.Create(filepath.Join(dir, reportFile))
	if err != nil {
		return nil, err
	}
	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Sequence", "Label", "Role", "Encoding", "Charset", "Start", "End", "Size", "Located"}); err != nil {
		file.Close()
		return nil, err
	}
	return &descriptorReport{file: file, writer: writer}, nil
}

func (r *descriptorReport) add(seq uint32, analysis *model.MessageAnalysis) error {
	for _, d := range analysis.Descriptors {
		record := []string{
			strconv.FormatUint(uint64(seq), 10),
			d.Label,
			d.Role.String(),
			d.Encoding.String(),
			d.Charset,
			strconv.Itoa(d.Range.Start),
			strconv.Itoa(d.Range.End),
			strconv.FormatUint(uint64(d.SizeOctets), 10),
			strconv.FormatBool(d.Located),
		}
		if err := r.writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func (r *descriptorReport) Close() error {
	r.writer.Flush()
	err := r.writer.Error()
	if closeErr := r.file.Close(); err == nil {
		err = closeErr
	}
	return err
}
