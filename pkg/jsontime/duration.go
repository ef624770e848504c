package jsontime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("24h", "30s") in JSON and YAML. Bare integers are accepted as seconds in
// YAML and nanoseconds in JSON.
type Duration time.Duration

// FromDuration returns a pointer to d as a Duration.
func FromDuration(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// Duration returns the time.Duration. A nil receiver yields 0.
func (d *Duration) Duration() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

// Or returns the duration, or def when d is nil or zero.
func (d *Duration) Or(def time.Duration) time.Duration {
	if v := d.Duration(); v > 0 {
		return v
	}
	return def
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var ns int64
	if err := json.Unmarshal(b, &ns); err != nil {
		return fmt.Errorf("jsontime: invalid duration %s: %w", b, err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML implements the goccy/go-yaml InterfaceMarshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements the goccy/go-yaml BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	s := string(b)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		s = s[1 : len(s)-1]
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("jsontime: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
