package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/zrepl/yaml-config"
)

// Duration accepts an integer with unit ms, s, m, h or d, or any string
// understood by time.ParseDuration such as "1m30s". A plain 0 is allowed.
type Duration struct{ d time.Duration }

func (d Duration) Duration() time.Duration { return d.d }

func (d Duration) String() string { return d.d.String() }

var (
	_ yaml.Unmarshaler = &Duration{}
	_ yaml.Marshaler   = Duration{}
)

func (d *Duration) UnmarshalYAML(unmarshal func(v interface{}, not_strict bool) error) error {
	var s string
	if err := unmarshal(&s, false); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return &yaml.TypeError{Errors: []string{fmt.Sprintf("cannot parse duration %q: %s", s, err)}}
	}
	d.d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// PositiveDuration is a Duration greater than zero.
type PositiveDuration struct{ d Duration }

var (
	_ yaml.Unmarshaler = &PositiveDuration{}
	_ yaml.Marshaler   = PositiveDuration{}
)

func (d PositiveDuration) Duration() time.Duration { return d.d.Duration() }

func (d PositiveDuration) String() string { return d.d.String() }

func (d *PositiveDuration) UnmarshalYAML(unmarshal func(v interface{}, not_strict bool) error) error {
	if err := d.d.UnmarshalYAML(unmarshal); err != nil {
		return err
	}
	if d.d.Duration() <= 0 {
		return &yaml.TypeError{Errors: []string{fmt.Sprintf("duration must be positive, got %s", d.d)}}
	}
	return nil
}

func (d PositiveDuration) MarshalYAML() (interface{}, error) { return d.d.MarshalYAML() }

func (d PositiveDuration) MarshalText() ([]byte, error) { return d.d.MarshalText() }

var durationUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

var durationStringRegex = regexp.MustCompile(`^\s*(\d+)\s*(ms|s|m|h|d)?\s*$`)

func parseDuration(e string) (time.Duration, error) {
	comps := durationStringRegex.FindStringSubmatch(e)
	if comps == nil {
		// compound forms like 1m30s
		d, err := time.ParseDuration(e)
		if err != nil {
			return 0, fmt.Errorf("must be an integer with unit ms, s, m, h or d")
		}
		if d < 0 {
			return 0, fmt.Errorf("must not be negative")
		}
		return d, nil
	}
	factor, err := strconv.ParseInt(comps[1], 10, 64)
	if err != nil {
		return 0, err
	}
	if comps[2] == "" {
		if factor != 0 {
			return 0, fmt.Errorf("missing time unit")
		}
		return 0, nil
	}
	return time.Duration(factor) * durationUnits[comps[2]], nil
}
