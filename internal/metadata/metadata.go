// Package metadata captures the request-identifying context stored with each
// profile.
package metadata

import (
	"maps"
	"time"

	"github.com/coral-mesh/reqprof/pkg/ambient"
)

// DateLayout is the format of Metadata.RequestDate.
const DateLayout = "2006-01-02"

// Metadata describes the request a profile belongs to.
//
// Timestamps stay as epoch numbers here; sinks convert them to their native
// temporal type.
type Metadata struct {
	URL       string            `json:"url"`
	SimpleURL string            `json:"simple_url"`
	Server    map[string]string `json:"server"`
	Get       map[string]any    `json:"get"`
	Env       map[string]string `json:"env"`

	// RequestTimestampMillis comes from the whole-second request start.
	RequestTimestampMillis int64 `json:"request_ts"`
	// RequestTimestampMicrosMillis comes from the fractional request start.
	// It is kept separately and may differ from RequestTimestampMillis by
	// less than a second.
	RequestTimestampMicrosMillis float64 `json:"request_ts_micro"`

	RequestDate string `json:"request_date"`
}

// Overrides are per-session values that take precedence over the ambient
// context. A nil field means "not set".
type Overrides struct {
	URL            *string
	AggregationURL *string
	ServerVars     map[string]string
	EnvVars        map[string]string
}

// Options controls capture.
type Options struct {
	CollectServerVars bool
	CollectEnvVars    bool

	// Location is the zone used for RequestDate. Nil means UTC.
	Location *time.Location

	// Now is used when the ambient context has no request time. Nil means
	// time.Now.
	Now func() time.Time
}

// Capture builds the metadata for a request. Overrides win over ambient
// values; simple URL falls back to the resolved URL. Disabled collections are
// captured as empty maps rather than omitted.
func Capture(o Overrides, c ambient.Context, opts Options) Metadata {
	m := Metadata{
		Server: map[string]string{},
		Get:    map[string]any{},
		Env:    map[string]string{},
	}

	if o.URL != nil {
		m.URL = *o.URL
	} else if c != nil {
		m.URL = c.URL()
	}

	m.SimpleURL = m.URL
	if o.AggregationURL != nil {
		m.SimpleURL = *o.AggregationURL
	}

	if opts.CollectServerVars {
		switch {
		case o.ServerVars != nil:
			m.Server = maps.Clone(o.ServerVars)
		case c != nil:
			maps.Copy(m.Server, c.ServerVars())
		}
	}

	if opts.CollectEnvVars {
		switch {
		case o.EnvVars != nil:
			m.Env = maps.Clone(o.EnvVars)
		case c != nil:
			maps.Copy(m.Env, c.EnvVars())
		}
	}

	if c != nil {
		maps.Copy(m.Get, c.QueryParams())
	}

	sec, fsec, ok := requestTime(c)
	if !ok {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		t := now()
		sec = t.Unix()
		fsec = float64(t.UnixNano()) / float64(time.Second)
	}

	m.RequestTimestampMillis = sec * 1000
	m.RequestTimestampMicrosMillis = fsec * 1000

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	m.RequestDate = time.Unix(sec, 0).In(loc).Format(DateLayout)

	return m
}

func requestTime(c ambient.Context) (int64, float64, bool) {
	if c == nil {
		return 0, 0, false
	}
	return c.RequestTime()
}
