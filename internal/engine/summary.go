package engine

import (
	"fmt"
	"sort"

	"github.com/google/pprof/profile"
)

// Summary is the condensed form of a pprof profile stored with each record.
type Summary struct {
	SampleTypes []string         `json:"sample_types"`
	Samples     int              `json:"samples"`
	DurationNs  int64            `json:"duration_ns,omitempty"`
	Totals      map[string]int64 `json:"totals"`
	Top         []TopFunction    `json:"top"`
}

// TopFunction is a leaf function ranked by its flat value for the profile's
// default sample type.
type TopFunction struct {
	Function string  `json:"function"`
	Flat     int64   `json:"flat"`
	Pct      float64 `json:"pct"`
}

// Summarize condenses p, keeping the top n leaf functions.
func Summarize(p *profile.Profile, n int) Summary {
	s := Summary{
		SampleTypes: make([]string, len(p.SampleType)),
		Samples:     len(p.Sample),
		DurationNs:  p.DurationNanos,
		Totals:      make(map[string]int64, len(p.SampleType)),
		Top:         []TopFunction{},
	}
	for i, st := range p.SampleType {
		s.SampleTypes[i] = st.Type + "/" + st.Unit
	}

	idx := defaultSampleIndex(p)
	if idx < 0 {
		return s
	}

	flat := make(map[string]int64)
	for _, sample := range p.Sample {
		for i, v := range sample.Value {
			if i < len(s.SampleTypes) {
				s.Totals[s.SampleTypes[i]] += v
			}
		}
		if len(sample.Location) == 0 || idx >= len(sample.Value) {
			continue
		}
		// Leaf frame is the first location.
		flat[leafFunction(sample.Location[0])] += sample.Value[idx]
	}

	total := s.Totals[s.SampleTypes[idx]]
	for fn, v := range flat {
		if v <= 0 {
			continue
		}
		pct := 0.0
		if total > 0 {
			pct = float64(v) / float64(total) * 100
		}
		s.Top = append(s.Top, TopFunction{Function: fn, Flat: v, Pct: pct})
	}
	sort.Slice(s.Top, func(i, j int) bool {
		if s.Top[i].Flat != s.Top[j].Flat {
			return s.Top[i].Flat > s.Top[j].Flat
		}
		return s.Top[i].Function < s.Top[j].Function
	})
	if n >= 0 && len(s.Top) > n {
		s.Top = s.Top[:n]
	}

	return s
}

// defaultSampleIndex returns the index of the profile's default sample
// type, or the last one when none is named.
func defaultSampleIndex(p *profile.Profile) int {
	if p.DefaultSampleType != "" {
		for i, st := range p.SampleType {
			if st.Type == p.DefaultSampleType {
				return i
			}
		}
	}
	return len(p.SampleType) - 1
}

func leafFunction(loc *profile.Location) string {
	// Inlined frames come first; Line[0] is the innermost.
	if len(loc.Line) > 0 && loc.Line[0].Function != nil {
		return loc.Line[0].Function.Name
	}
	return fmt.Sprintf("0x%x", loc.Address)
}
