package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"keyguard/internal/keysource"
	"keyguard/internal/trace"
)

var (
	showVerdicts bool
	failOnFlag   bool
	traceFormat  string

	replayCmd = &cobra.Command{
		Use:   "replay <trace>",
		Short: "Run a recorded trace through the detector on a simulated clock",
		Long: `Replays a trace (JSON lines, JSON or YAML) through a fresh detector.
Time comes from the trace, so lockouts release exactly as they would live.
Use "-" to read JSON lines from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}

	validateCmd = &cobra.Command{
		Use:   "validate <trace>...",
		Short: "Check traces against the trace schema",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
)

func init() {
	replayCmd.Flags().BoolVar(&showVerdicts, "verdicts", false,
		"Print the verdict for every event")
	replayCmd.Flags().BoolVar(&failOnFlag, "fail-on-flag", false,
		"Exit non-zero when anything is flagged")
	replayCmd.Flags().StringVar(&traceFormat, "format", "",
		"Trace format (jsonl, json, yaml); default from the file extension")

	rootCmd.AddCommand(replayCmd, validateCmd)
}

// errFlagged is returned by replay --fail-on-flag.
var errFlagged = errors.New("trace was flagged")

func loadTrace(cmd *cobra.Command, path string) (*trace.Document, error) {
	format := trace.Format(strings.ToLower(traceFormat))
	if path == "-" {
		if format == "" {
			format = trace.FormatJSONL
		}
		return trace.Read(cmd.InOrStdin(), format)
	}
	if format == "" {
		return trace.ReadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return trace.Read(f, format)
}

func runReplay(cmd *cobra.Command, args []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	doc, err := loadTrace(cmd, args[0])
	if err != nil {
		return err
	}
	report, err := trace.ReplayDocument(cmd.Context(), doc)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if outputFormat == "json" {
		if err := writeJSON(w, report); err != nil {
			return err
		}
	} else {
		printReplay(w, doc, report)
	}

	if failOnFlag && report.Flagged() {
		return errFlagged
	}
	return nil
}

func printReplay(w io.Writer, doc *trace.Document, r *trace.ReplayReport) {
	p := newPainter(w)
	stats := trace.Summarize(doc.Events)

	verdict := p.paint(colorGreen, "clean")
	if r.Flagged() {
		verdict = p.paint(colorBold+colorRed, "flagged")
	}
	first := "none"
	if r.FirstLockout >= 0 {
		first = fmt.Sprintf("event %d at %s ms", r.FirstLockout, humanize.FtoaWithDigits(r.FirstLockoutMs, 3))
	}
	profile := doc.Profile
	if profile == "" {
		profile = "recorded"
	}

	fields(w, [][2]string{
		{"Result", verdict},
		{"Profile", profile},
		{"Presses", fmt.Sprintf("%d (%.1f WPM, mean gap %.1f ms, min hold %.2f ms)",
			stats.Presses, stats.WPM, stats.MeanGapMs, stats.MinHoldMs)},
		{"Events", fmt.Sprintf("%d passed, %d suppressed, %d dropped", r.Passed, r.Suppressed, r.Dropped)},
		{"Flags", fmt.Sprintf("speed %d, hold %d", r.SpeedFlags, r.HoldFlags)},
		{"Lockouts", fmt.Sprintf("%d engaged, %d released", r.Lockouts, r.Releases)},
		{"First lockout", first},
		{"Locked at end", fmt.Sprintf("%t", r.LockedAtEnd)},
		{"Trace length", r.Duration.String()},
	})

	if showVerdicts {
		fmt.Fprintln(w)
		t := &table{headers: []string{"#", "AT_MS", "KEY", "PHASE", "VERDICT"}}
		for i, ev := range doc.Events {
			v := r.Verdicts[i].String()
			if r.Verdicts[i] == keysource.Suppress {
				v = p.paint(colorYellow, v)
			}
			phase := ev.Phase
			if ev.Repeat {
				phase += " (repeat)"
			}
			t.add(fmt.Sprintf("%d", i), humanize.FtoaWithDigits(ev.AtMs, 3), fmt.Sprintf("%d", ev.Key), phase, v)
		}
		t.render(w)
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		doc, err := loadTrace(cmd, path)
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s\n     %v\n", path, err)
			continue
		}
		fmt.Fprintf(w, "ok   %s (%d events)\n", path, len(doc.Events))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d traces invalid", failed, len(args))
	}
	return nil
}
