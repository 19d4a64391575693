package loopguard

import (
	"fmt"
	"sort"
)

type Kind string

const (
	KindActionRepeat Kind = "action_repeat"
	KindAlternating  Kind = "alternating"
	KindNoProgress   Kind = "no_progress"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// SeverityFor maps a repetition count to a severity.
func SeverityFor(count int) Severity {
	switch {
	case count >= 10:
		return SeverityCritical
	case count >= 7:
		return SeverityHigh
	case count >= 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Detection is one pattern found in the action window.
type Detection struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Count    int      `json:"count"`
	Phase    string   `json:"phase,omitempty"`
	File     string   `json:"file,omitempty"`
	Tool     string   `json:"tool,omitempty"`
	Evidence []string `json:"evidence,omitempty"`
}

// DetectorConfig holds the detection thresholds.
type DetectorConfig struct {
	RepeatThreshold int
	MinCycles       int
	// NoProgressMin is the number of actions of one phase needed before the
	// no-progress check applies.
	NoProgressMin int
}

// Detect runs every detector over window, most severe first.
func Detect(window []Action, cfg DetectorConfig) []Detection {
	var out []Detection
	if d, ok := detectRepeat(window, cfg.RepeatThreshold); ok {
		out = append(out, d)
	}
	if d, ok := detectAlternating(window, cfg.MinCycles); ok {
		out = append(out, d)
	}
	out = append(out, detectNoProgress(window, cfg.NoProgressMin)...)

	sort.SliceStable(out, func(i, j int) bool {
		return severityRank[out[i].Severity] > severityRank[out[j].Severity]
	})
	return out
}

// ShouldIntervene is true for any critical detection or at least two high
// ones.
func ShouldIntervene(dets []Detection) bool {
	high := 0
	for _, d := range dets {
		switch d.Severity {
		case SeverityCritical:
			return true
		case SeverityHigh:
			high++
		}
	}
	return high >= 2
}

// detectRepeat counts the trailing run of identical signatures.
func detectRepeat(window []Action, threshold int) (Detection, bool) {
	if threshold <= 0 || len(window) < threshold {
		return Detection{}, false
	}
	last := window[len(window)-1]
	sig := last.Signature()
	count := 0
	for i := len(window) - 1; i >= 0 && window[i].Signature() == sig; i-- {
		count++
	}
	if count < threshold {
		return Detection{}, false
	}
	return Detection{
		Kind:     KindActionRepeat,
		Severity: SeverityFor(count),
		Count:    count,
		Phase:    last.Phase,
		File:     last.file(),
		Tool:     last.Tool,
		Evidence: []string{"action: " + sig, fmt.Sprintf("repeated: %d times", count)},
	}, true
}

// detectAlternating looks for a trailing cycle of period 2..len/2 whose
// members differ, repeated at least minCycles times.
func detectAlternating(window []Action, minCycles int) (Detection, bool) {
	if minCycles < 2 {
		minCycles = 2
	}
	sigs := make([]string, len(window))
	for i, a := range window {
		sigs[i] = a.Signature()
	}

	for period := 2; period*minCycles <= len(sigs); period++ {
		pattern := sigs[len(sigs)-period:]
		if !distinct(pattern) {
			continue
		}
		cycles := 0
		for end := len(sigs); end-period >= 0; end -= period {
			if !equal(sigs[end-period:end], pattern) {
				break
			}
			cycles++
		}
		if cycles < minCycles {
			continue
		}
		last := window[len(window)-1]
		count := cycles * period
		return Detection{
			Kind:     KindAlternating,
			Severity: SeverityFor(count),
			Count:    count,
			Phase:    last.Phase,
			File:     last.file(),
			Tool:     last.Tool,
			Evidence: append([]string{fmt.Sprintf("cycle of %d repeated %d times", period, cycles)}, pattern...),
		}, true
	}
	return Detection{}, false
}

// detectNoProgress flags phases with many actions of which fewer than 20%
// modify files.
func detectNoProgress(window []Action, minActions int) []Detection {
	if minActions <= 0 {
		minActions = 5
	}
	byPhase := make(map[string][]Action)
	var phases []string
	for _, a := range window {
		if _, seen := byPhase[a.Phase]; !seen {
			phases = append(phases, a.Phase)
		}
		byPhase[a.Phase] = append(byPhase[a.Phase], a)
	}

	var out []Detection
	for _, phase := range phases {
		actions := byPhase[phase]
		if len(actions) < minActions {
			continue
		}
		mods := 0
		for _, a := range actions {
			if a.Modifies() {
				mods++
			}
		}
		if float64(mods) >= float64(len(actions))*0.2 {
			continue
		}
		out = append(out, Detection{
			Kind:     KindNoProgress,
			Severity: maxSeverity(SeverityHigh, SeverityFor(len(actions))),
			Count:    len(actions),
			Phase:    phase,
			Evidence: []string{
				fmt.Sprintf("actions: %d", len(actions)),
				fmt.Sprintf("modifications: %d", mods),
			},
		})
	}
	return out
}

func distinct(sigs []string) bool {
	seen := make(map[string]bool, len(sigs))
	for _, s := range sigs {
		if seen[s] {
			return false
		}
		seen[s] = true
	}
	return true
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
