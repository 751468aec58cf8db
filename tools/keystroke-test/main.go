// Command keystroke-test is a manual testing tool for the platform key
// source and the detector.
//
// It checks that capture is available, feeds every key transition into a
// detector and prints timing statistics every second until interrupted
// with Ctrl+C. Flags are reported but input is never suppressed.
//
// Usage:
//
//	go build -o keystroke-test ./tools/keystroke-test
//	./keystroke-test
//	./keystroke-test -device /dev/input/event3
//
// Requirements:
//   - Linux: read access to /dev/input/event* (the input group or root)
//   - Windows: no extra permissions
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keyguard/internal/detector"
	"keyguard/internal/keysource"
	"keyguard/internal/notify"
)

// printer reports flags and lockouts as they happen.
type printer struct{}

func (printer) Flag(rec detector.FlagRecord) {
	summary, body := notify.FlagMessage(rec)
	fmt.Printf("  [%s] %s\n", summary, body)
}

func (printer) Lockout(rec detector.LockoutRecord) {
	summary, body := notify.LockoutMessage(rec)
	fmt.Printf("  [%s] %s (not enforced)\n", summary, body)
}

func main() {
	device := flag.String("device", "", "Input device to read instead of discovering keyboards")
	flag.Parse()

	fmt.Println("Key Source Test")
	fmt.Println("===============")
	fmt.Println()

	var opts keysource.Options
	if *device != "" {
		opts.Devices = []string{*device}
	}
	src := keysource.New(opts)

	fmt.Print("Checking capture availability... ")
	available, msg := src.Available()
	if !available {
		fmt.Println("DENIED")
		fmt.Println()
		fmt.Println(msg)
		os.Exit(1)
	}
	fmt.Println("OK")
	fmt.Printf("Source: %s\n", msg)

	dispatcher := notify.NewDispatcher(64, []notify.Sink{printer{}})
	defer dispatcher.Close()
	engine := detector.NewEngine(detector.WithNotifier(dispatcher))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Print("Starting key source... ")
	// Observe only: the verdict is discarded so nothing is ever swallowed.
	err := src.Start(ctx, func(ev keysource.RawEvent) keysource.Verdict {
		engine.Handle(ev)
		return keysource.Pass
	})
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OK")
	fmt.Println(keysource.Describe(src))
	fmt.Println()
	fmt.Println("Type to see timings. Press Ctrl+C to stop.")
	fmt.Println()
	fmt.Println("Time        | Events | Window | Avg gap (ms) |    WPM | Held")
	fmt.Println("------------|--------|--------|--------------|--------|-----")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	startTime := time.Now()

loop:
	for {
		select {
		case <-sigChan:
			fmt.Println()
			fmt.Println("Received interrupt signal, stopping...")
			break loop

		case now := <-ticker.C:
			s := engine.Snapshot()
			fmt.Printf("%11s | %6d | %2d/%-3d | %12.1f | %6.1f | %4d\n",
				now.Sub(startTime).Truncate(time.Second),
				s.Events, s.WindowFill, s.WindowSize, s.AvgMs, s.WPM, s.HeldKeys)
		}
	}

	fmt.Print("Stopping key source... ")
	if err := src.Stop(); err != nil {
		fmt.Printf("FAILED: %v\n", err)
	} else {
		fmt.Println("OK")
	}

	s := engine.Snapshot()
	fmt.Println()
	fmt.Println("Final Statistics")
	fmt.Println("----------------")
	fmt.Printf("Key events:     %d (%d auto-repeat dropped)\n", s.Events, s.Dropped)
	fmt.Printf("Speed flags:    %d\n", s.SpeedFlags)
	fmt.Printf("Hold flags:     %d\n", s.HoldFlags)
	fmt.Printf("Would-be locks: %d\n", s.Lockouts)
	fmt.Printf("Total duration: %s\n", time.Since(startTime).Truncate(time.Millisecond))
}
