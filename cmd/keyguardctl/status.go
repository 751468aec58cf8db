package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"keyguard/internal/detector"
	"keyguard/internal/ipc"
	"keyguard/internal/journal"
	"keyguard/internal/notify"
)

var (
	incidentsLimit int

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show lockout state and the current typing speed",
		RunE:  runStatus,
	}

	incidentsCmd = &cobra.Command{
		Use:   "incidents",
		Short: "List recent flags and lockouts from the journal",
		RunE:  runIncidents,
	}

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		RunE:  runPing,
	}
)

func init() {
	incidentsCmd.Flags().IntVarP(&incidentsLimit, "limit", "n", 20,
		"Maximum rows (0 = all)")

	rootCmd.AddCommand(statusCmd, incidentsCmd, pingCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	client, ctx, cancel, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st, time.Now())
	return nil
}

func printStatus(w io.Writer, st *ipc.StatusResponse, now time.Time) {
	p := newPainter(w)
	e := st.Engine
	th := e.Thresholds

	state := p.paint(colorGreen, "monitoring")
	if e.Locked {
		state = p.paint(colorBold+colorRed, "LOCKED") +
			", releases " + notify.Remaining(e.Deadline, now)
	}

	speed := "collecting"
	if e.AvgMs > 0 {
		speed = fmt.Sprintf("%.1f WPM (avg gap %.1f ms)", e.WPM, e.AvgMs)
		if e.WindowFill >= e.WindowSize && e.WPM > th.FlagWPM {
			speed = p.paint(colorYellow, speed)
		}
	}
	barWidth := min(e.WindowSize, max(terminalWidth(w)-40, 10))

	fields(w, [][2]string{
		{"State", state},
		{"Typing speed", speed},
		{"Window", fmt.Sprintf("%s %d/%d gaps", fillBar(e.WindowFill, e.WindowSize, barWidth), e.WindowFill, e.WindowSize)},
		{"Held keys", fmt.Sprintf("%d", e.HeldKeys)},
		{"Events", fmt.Sprintf("%s (suppressed %s, dropped %s)",
			humanize.Comma(int64(e.Events)), humanize.Comma(int64(e.Suppressed)), humanize.Comma(int64(e.Dropped)))},
		{"Flags", fmt.Sprintf("speed %d, hold %d", e.SpeedFlags, e.HoldFlags)},
		{"Lockouts", fmt.Sprintf("%d", e.Lockouts)},
		{"Limits", fmt.Sprintf("%s WPM over %d gaps, hold at least %s ms, lockout %s",
			humanize.Ftoa(th.FlagWPM), th.WindowSize, humanize.Ftoa(th.FlagHoldMs), th.Lockout)},
		{"Source", st.Source},
		{"Daemon", fmt.Sprintf("%s, up %s", st.Version, uptime(st.StartedAt, now))},
		{"Session", st.SessionID},
		{"Notices dropped", fmt.Sprintf("%d", st.NotifyDropped)},
	})
}

func uptime(started, now time.Time) string {
	if started.IsZero() || !now.After(started) {
		return "just now"
	}
	return strings.TrimSpace(humanize.RelTime(started, now, "", ""))
}

func runIncidents(cmd *cobra.Command, _ []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	client, ctx, cancel, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	resp, err := client.Incidents(ctx, incidentsLimit)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	printIncidents(cmd.OutOrStdout(), resp)
	return nil
}

func printIncidents(w io.Writer, resp *ipc.IncidentsResponse) {
	fmt.Fprintf(w, "Session %s: %d speed, %d hold, %d lockouts\n\n",
		resp.SessionID, resp.Counts.SpeedFlags, resp.Counts.HoldFlags, resp.Counts.Lockouts)
	if len(resp.Incidents) == 0 {
		fmt.Fprintln(w, "No incidents recorded.")
		return
	}

	t := &table{headers: []string{"TIME", "KIND", "DETAIL"}}
	for _, inc := range resp.Incidents {
		t.add(inc.At.Local().Format("2006-01-02 15:04:05.000"), inc.Kind, incidentDetail(inc))
	}
	t.render(w)
}

func incidentDetail(inc journal.Incident) string {
	switch inc.Kind {
	case journal.KindLockoutEngaged:
		return fmt.Sprintf("locked for %s", time.Duration(inc.DurationMs)*time.Millisecond)
	case journal.KindLockoutReleased:
		return "released"
	case detector.FlagSpeed.String():
		return fmt.Sprintf("%.1f WPM, avg gap %.1f ms (limit %s WPM)", inc.WPM, inc.AvgMs, humanize.Ftoa(inc.Threshold))
	case detector.FlagHold.String():
		return fmt.Sprintf("held %.2f ms (minimum %s ms)", inc.ValueMs, humanize.Ftoa(inc.Threshold))
	default:
		return ""
	}
}

func runPing(cmd *cobra.Command, _ []string) error {
	client, ctx, cancel, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()

	rtt, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "keyguardd %s answered in %s\n", client.ServerVersion(), rtt.Round(time.Microsecond))
	return nil
}
