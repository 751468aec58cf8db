package trace

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Profile describes a synthetic typist.
type Profile struct {
	Name        string
	Description string

	MedianGapMs float64
	GapStdDevMs float64
	MinGapMs    float64

	MedianHoldMs float64
	HoldStdDevMs float64
	MinHoldMs    float64

	PauseProbability float64
	PauseMaxMs       float64
}

// Profiles are the built-in typists, keyed by name.
var Profiles = map[string]Profile{
	"human": {
		Name:             "human",
		Description:      "Typical human typing, about 60 WPM with thinking pauses",
		MedianGapMs:      180,
		GapStdDevMs:      90,
		MinGapMs:         40,
		MedianHoldMs:     95,
		HoldStdDevMs:     30,
		MinHoldMs:        30,
		PauseProbability: 0.03,
		PauseMaxMs:       2000,
	},
	"fast-typist": {
		Name:             "fast-typist",
		Description:      "Experienced typist bursting around 120 WPM",
		MedianGapMs:      95,
		GapStdDevMs:      35,
		MinGapMs:         45,
		MedianHoldMs:     70,
		HoldStdDevMs:     20,
		MinHoldMs:        25,
		PauseProbability: 0.01,
		PauseMaxMs:       800,
	},
	"injector": {
		Name:         "injector",
		Description:  "Keystroke injection device typing at a fixed ~10 ms cadence",
		MedianGapMs:  10,
		GapStdDevMs:  1,
		MinGapMs:     9,
		MedianHoldMs: 6,
		HoldStdDevMs: 0.3,
		MinHoldMs:    5.5,
	},
	"short-hold": {
		Name:         "short-hold",
		Description:  "Human-paced presses released almost instantly",
		MedianGapMs:  150,
		GapStdDevMs:  60,
		MinGapMs:     40,
		MedianHoldMs: 2,
		HoldStdDevMs: 0.5,
		MinHoldMs:    0.5,
	},
}

// ProfileNames returns the built-in profile names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for name := range Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Letter and space key codes (evdev).
var typingKeys = []uint32{
	16, 17, 18, 19, 20, 21, 22, 23, 24, 25,
	30, 31, 32, 33, 34, 35, 36, 37, 38,
	44, 45, 46, 47, 48, 49, 50,
	57, 57, 57,
}

// Generate creates presses key presses for the named profile. The same
// seed always gives the same trace.
func Generate(profile string, presses int, seed int64) (*Document, error) {
	p, ok := Profiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
	if presses < 0 {
		return nil, fmt.Errorf("press count must not be negative")
	}

	rng := rand.New(rand.NewSource(seed))
	events := make([]Event, 0, 2*presses)

	at := 0.0
	var prev uint32
	for i := 0; i < presses; i++ {
		if i > 0 {
			gap := logNormalSample(rng, p.MedianGapMs, p.GapStdDevMs)
			if p.PauseProbability > 0 && rng.Float64() < p.PauseProbability {
				gap += rng.Float64() * p.PauseMaxMs
			}
			at += math.Max(gap, p.MinGapMs)
		}
		hold := math.Max(logNormalSample(rng, p.MedianHoldMs, p.HoldStdDevMs), p.MinHoldMs)

		key := typingKeys[rng.Intn(len(typingKeys))]
		for key == prev {
			key = typingKeys[rng.Intn(len(typingKeys))]
		}
		prev = key
		events = append(events,
			Event{Key: key, Phase: PhaseDown, AtMs: round3(at)},
			Event{Key: key, Phase: PhaseUp, AtMs: round3(at + hold)},
		)
	}

	// Rollover puts the next press before the previous release.
	sort.SliceStable(events, func(i, j int) bool { return events[i].AtMs < events[j].AtMs })

	return &Document{Version: Version, Profile: p.Name, Seed: seed, Events: events}, nil
}

// logNormalSample draws from a log-normal distribution with the given
// median and approximate spread.
func logNormalSample(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := math.Log(1 + stdDev/median)
	if sigma < 0.01 {
		sigma = 0.01
	}
	return math.Exp(mu + sigma*rng.NormFloat64())
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Stats summarises a trace.
type Stats struct {
	Presses    int
	MeanGapMs  float64
	MinGapMs   float64
	MeanHoldMs float64
	MinHoldMs  float64
	WPM        float64
}

// Summarize computes press statistics. Holds are matched per key.
func Summarize(events []Event) Stats {
	var (
		s        Stats
		gapSum   float64
		holdSum  float64
		holds    int
		lastDown = -1.0
		pressed  = make(map[uint32]float64)
	)
	s.MinGapMs = math.Inf(1)
	s.MinHoldMs = math.Inf(1)

	for _, ev := range events {
		if ev.Repeat {
			continue
		}
		switch ev.Phase {
		case PhaseDown:
			s.Presses++
			if lastDown >= 0 {
				gap := ev.AtMs - lastDown
				gapSum += gap
				s.MinGapMs = math.Min(s.MinGapMs, gap)
			}
			lastDown = ev.AtMs
			pressed[ev.Key] = ev.AtMs
		case PhaseUp:
			if down, ok := pressed[ev.Key]; ok {
				hold := ev.AtMs - down
				holdSum += hold
				holds++
				s.MinHoldMs = math.Min(s.MinHoldMs, hold)
				delete(pressed, ev.Key)
			}
		}
	}

	if s.Presses > 1 {
		s.MeanGapMs = gapSum / float64(s.Presses-1)
		s.WPM = (60000 / s.MeanGapMs) / 5
	} else {
		s.MinGapMs = 0
	}
	if holds > 0 {
		s.MeanHoldMs = holdSum / float64(holds)
	} else {
		s.MinHoldMs = 0
	}
	return s
}
