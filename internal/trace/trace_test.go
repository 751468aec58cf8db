package trace

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyguard/internal/detector"
	"keyguard/internal/keysource"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"a.jsonl", FormatJSONL},
		{"a.json", FormatJSON},
		{"a.YAML", FormatYAML},
		{"a.yml", FormatYAML},
		{"a.trace", FormatJSONL},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectFormat(tt.path), tt.path)
	}
}

func TestReadJSONL(t *testing.T) {
	input := `{"key":30,"phase":"down","at_ms":12.5}

{"key":30,"phase":"up","at_ms":100}
{"key":30,"phase":"down","at_ms":600,"repeat":true}
`
	doc, err := Read(strings.NewReader(input), FormatJSONL)
	require.NoError(t, err)
	require.Len(t, doc.Events, 3)
	assert.Equal(t, Version, doc.Version)
	assert.Equal(t, Event{Key: 30, Phase: PhaseDown, AtMs: 12.5}, doc.Events[0])
	assert.True(t, doc.Events[2].Repeat)

	raw := doc.Events[0].Raw()
	assert.Equal(t, keysource.RawEvent{Code: 30, Down: true, At: 12500 * time.Microsecond}, raw)
}

func TestReadDocuments(t *testing.T) {
	yamlDoc := `
version: 1
profile: injector
seed: 1700000000123456789
events:
  - {key: 30, phase: down, at_ms: 0}
  - {key: 30, phase: up, at_ms: 4}
`
	jsonDoc := `{"version":1,"seed":1700000000123456789,"events":[{"key":30,"phase":"down","at_ms":0},{"key":30,"phase":"up","at_ms":4}]}`

	for _, tc := range []struct {
		name   string
		format Format
		input  string
	}{
		{"yaml", FormatYAML, yamlDoc},
		{"json", FormatJSON, jsonDoc},
	} {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Read(strings.NewReader(tc.input), tc.format)
			require.NoError(t, err)
			assert.Equal(t, int64(1700000000123456789), doc.Seed)
			require.Len(t, doc.Events, 2)
			assert.Equal(t, PhaseUp, doc.Events[1].Phase)
		})
	}
}

func TestReadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{"bad phase", FormatJSONL, `{"key":30,"phase":"press","at_ms":0}`},
		{"missing key", FormatJSONL, `{"phase":"down","at_ms":0}`},
		{"negative time", FormatJSONL, `{"key":30,"phase":"down","at_ms":-1}`},
		{"fractional key", FormatJSONL, `{"key":30.5,"phase":"down","at_ms":0}`},
		{"unknown field", FormatJSONL, `{"key":30,"phase":"down","at_ms":0,"char":"a"}`},
		{"not json", FormatJSONL, `key=30`},
		{"wrong version", FormatJSON, `{"version":2,"events":[]}`},
		{"missing events", FormatYAML, "version: 1\n"},
		{"out of order", FormatJSONL, "{\"key\":30,\"phase\":\"down\",\"at_ms\":10}\n{\"key\":30,\"phase\":\"up\",\"at_ms\":5}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(strings.NewReader(tt.input), tt.format)
			assert.ErrorIs(t, err, ErrInvalidTrace)
		})
	}
}

func TestEmptyJSONL(t *testing.T) {
	doc, err := Read(strings.NewReader(""), FormatJSONL)
	require.NoError(t, err)
	assert.Empty(t, doc.Events)
}

func TestWriteReadBack(t *testing.T) {
	doc, err := Generate("human", 30, 7)
	require.NoError(t, err)

	for _, format := range []Format{FormatJSONL, FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, format, doc))

			got, err := Read(&buf, format)
			require.NoError(t, err)
			assert.Equal(t, doc.Events, got.Events)
		})
	}
}

func TestWriteFileReadFile(t *testing.T) {
	doc, err := Generate("short-hold", 5, 1)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, WriteFile(path, doc))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "short-hold", got.Profile)
	assert.Equal(t, doc.Events, got.Events)
}

func TestGenerateIsDeterministic(t *testing.T) {
	a, err := Generate("fast-typist", 50, 42)
	require.NoError(t, err)
	b, err := Generate("fast-typist", 50, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.Events, 100)

	c, err := Generate("fast-typist", 50, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a.Events, c.Events)
}

func TestGenerateRejects(t *testing.T) {
	_, err := Generate("robot", 10, 1)
	assert.Error(t, err)
	_, err = Generate("human", -1, 1)
	assert.Error(t, err)
}

func TestProfileNames(t *testing.T) {
	assert.Equal(t, []string{"fast-typist", "human", "injector", "short-hold"}, ProfileNames())
}

func TestSummarize(t *testing.T) {
	events := []Event{
		{Key: 30, Phase: PhaseDown, AtMs: 0},
		{Key: 30, Phase: PhaseUp, AtMs: 80},
		{Key: 31, Phase: PhaseDown, AtMs: 100},
		{Key: 31, Phase: PhaseDown, AtMs: 150, Repeat: true},
		{Key: 31, Phase: PhaseUp, AtMs: 160},
		{Key: 32, Phase: PhaseDown, AtMs: 300},
	}
	s := Summarize(events)
	assert.Equal(t, 3, s.Presses)
	assert.InDelta(t, 150.0, s.MeanGapMs, 1e-9)
	assert.InDelta(t, 100.0, s.MinGapMs, 1e-9)
	assert.InDelta(t, 70.0, s.MeanHoldMs, 1e-9)
	assert.InDelta(t, 60.0, s.MinHoldMs, 1e-9)
	assert.InDelta(t, 80.0, s.WPM, 1e-9)

	assert.Equal(t, Stats{}, Summarize(nil))
}

func TestReplayProfiles(t *testing.T) {
	tests := []struct {
		profile      string
		wantSpeed    int
		wantHold     int
		firstLockout int
	}{
		{"human", 0, 0, -1},
		{"fast-typist", 0, 0, -1},
		// The 21st press completes the 20-gap window.
		{"injector", 1, 0, 40},
		// The first release is already too short.
		{"short-hold", 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			doc, err := Generate(tt.profile, 100, 3)
			require.NoError(t, err)

			report, err := ReplayDocument(context.Background(), doc)
			require.NoError(t, err)

			assert.Equal(t, len(doc.Events), report.Events)
			assert.Equal(t, tt.wantSpeed, report.SpeedFlags)
			assert.Equal(t, tt.wantHold, report.HoldFlags)
			assert.Equal(t, tt.firstLockout, report.FirstLockout)
			assert.Equal(t, report.Events, report.Passed+report.Suppressed)
			assert.Len(t, report.Verdicts, report.Events)
			if tt.firstLockout < 0 {
				assert.Zero(t, report.Suppressed)
				assert.False(t, report.Flagged())
				return
			}
			// Everything from the flagged event on falls inside the lockout.
			assert.Equal(t, report.Events-tt.firstLockout, report.Suppressed)
			assert.True(t, report.LockedAtEnd)
			assert.Equal(t, 1, report.Lockouts)
			assert.Zero(t, report.Releases)
		})
	}
}

func TestReplayReleasesInSimulatedTime(t *testing.T) {
	events := []Event{
		{Key: 30, Phase: PhaseDown, AtMs: 0},
		{Key: 30, Phase: PhaseUp, AtMs: 1},
		{Key: 31, Phase: PhaseDown, AtMs: 10_000},
		{Key: 31, Phase: PhaseUp, AtMs: 10_090},
		{Key: 32, Phase: PhaseDown, AtMs: 30_002},
		{Key: 32, Phase: PhaseUp, AtMs: 30_090},
	}

	clock := detector.NewVirtualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	engine := detector.NewEngine(detector.WithClock(clock))

	report, err := Replay(context.Background(), events, engine, clock)
	require.NoError(t, err)

	assert.Equal(t, []keysource.Verdict{
		keysource.Pass, keysource.Suppress,
		keysource.Suppress, keysource.Suppress,
		keysource.Pass, keysource.Pass,
	}, report.Verdicts)
	assert.Equal(t, 1, report.Lockouts)
	assert.Equal(t, 1, report.Releases)
	assert.False(t, report.LockedAtEnd)
	assert.InDelta(t, 1.0, report.FirstLockoutMs, 1e-9)
	assert.Equal(t, 30090*time.Millisecond, report.Duration)
}

func TestReplayDropsRepeats(t *testing.T) {
	events := []Event{
		{Key: 30, Phase: PhaseDown, AtMs: 0},
		{Key: 30, Phase: PhaseDown, AtMs: 500, Repeat: true},
		{Key: 30, Phase: PhaseDown, AtMs: 533, Repeat: true},
		{Key: 30, Phase: PhaseUp, AtMs: 600},
	}
	report, err := ReplayDocument(context.Background(), &Document{Version: Version, Events: events})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Dropped)
	assert.Equal(t, 4, report.Passed)
	assert.False(t, report.Flagged())
}

func TestReplayHonoursContext(t *testing.T) {
	doc, err := Generate("human", 10, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ReplayDocument(ctx, doc)
	assert.ErrorIs(t, err, context.Canceled)
}
