// trace-gen generates synthetic key timing traces for exercising the
// detector without a keyboard.
//
// Usage:
//
//	go run ./tools/trace-gen -output human.jsonl -presses 200
//	go run ./tools/trace-gen -output burst.yaml -profile injector
//	go run ./tools/trace-gen -list
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"keyguard/internal/trace"
)

func main() {
	var (
		outputPath   = flag.String("output", "trace.jsonl", "Output file (.jsonl, .json, .yaml)")
		presses      = flag.Int("presses", 100, "Number of key presses to generate")
		profileName  = flag.String("profile", "human", "Timing profile to use")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
		replay       = flag.Bool("replay", false, "Replay the trace through the detector after writing it")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		for _, name := range trace.ProfileNames() {
			fmt.Printf("  %-14s %s\n", name, trace.Profiles[name].Description)
		}
		os.Exit(0)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	fmt.Printf("Generating %d presses with profile: %s\n", *presses, *profileName)
	fmt.Printf("Random seed: %d\n", *seed)

	doc, err := trace.Generate(*profileName, *presses, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}

	if err := trace.WriteFile(*outputPath, doc); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %d events to %s\n", len(doc.Events), *outputPath)

	printStats(trace.Summarize(doc.Events))

	if *replay {
		report, err := trace.ReplayDocument(context.Background(), doc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error replaying: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
		fmt.Println("Replay:")
		fmt.Printf("  Speed flags:    %d\n", report.SpeedFlags)
		fmt.Printf("  Hold flags:     %d\n", report.HoldFlags)
		fmt.Printf("  Suppressed:     %d of %d events\n", report.Suppressed, report.Events)
		if report.FirstLockout >= 0 {
			fmt.Printf("  First lockout:  event %d at %.3f ms\n", report.FirstLockout, report.FirstLockoutMs)
		}
	}
}

func printStats(s trace.Stats) {
	if s.Presses == 0 {
		return
	}
	fmt.Println()
	fmt.Println("Statistics:")
	fmt.Printf("  Presses:        %d\n", s.Presses)
	fmt.Printf("  Mean gap:       %.2f ms\n", s.MeanGapMs)
	fmt.Printf("  Min gap:        %.2f ms\n", s.MinGapMs)
	fmt.Printf("  Mean hold:      %.2f ms\n", s.MeanHoldMs)
	fmt.Printf("  Min hold:       %.2f ms\n", s.MinHoldMs)
	fmt.Printf("  Speed:          %.1f WPM\n", s.WPM)
}
