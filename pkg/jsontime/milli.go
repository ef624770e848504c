// Package jsontime provides time values with compact wire forms: Milli is a
// Unix-millisecond timestamp used for change events and cache records, and
// Duration is a human-readable duration for configuration files.
package jsontime

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Milli is a time.Time encoded as Unix milliseconds in JSON and msgpack.
// Sub-millisecond precision is dropped on encode, so two values that compare
// equal after a round trip also order the same way on every client.
type Milli time.Time

// NowMilli returns the current time truncated to the millisecond.
func NowMilli() Milli {
	return Milli(time.Now().Truncate(time.Millisecond))
}

// FromUnixMilli converts a millisecond timestamp.
func FromUnixMilli(ms int64) Milli {
	return Milli(time.UnixMilli(ms))
}

// Time returns the underlying time.Time.
func (m Milli) Time() time.Time {
	return time.Time(m)
}

// UnixMilli returns the timestamp in milliseconds.
func (m Milli) UnixMilli() int64 {
	return time.Time(m).UnixMilli()
}

// Before reports whether m is strictly earlier than o at millisecond
// precision.
func (m Milli) Before(o Milli) bool {
	return m.UnixMilli() < o.UnixMilli()
}

// After reports whether m is strictly later than o at millisecond precision.
func (m Milli) After(o Milli) bool {
	return m.UnixMilli() > o.UnixMilli()
}

// Equal reports whether m and o denote the same millisecond.
func (m Milli) Equal(o Milli) bool {
	return m.UnixMilli() == o.UnixMilli()
}

// IsZero reports whether m is the zero time.
func (m Milli) IsZero() bool {
	return time.Time(m).IsZero()
}

// Add returns m+d.
func (m Milli) Add(d time.Duration) Milli {
	return Milli(time.Time(m).Add(d))
}

// Sub returns m-o.
func (m Milli) Sub(o Milli) time.Duration {
	return time.Time(m).Sub(time.Time(o))
}

func (m Milli) String() string {
	return time.Time(m).UTC().Format(time.RFC3339Nano)
}

// MarshalJSON implements json.Marshaler.
func (m Milli) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, m.UnixMilli(), 10), nil
}

// UnmarshalJSON implements json.Unmarshaler. It accepts integers and,
// for clients that format timestamps as strings, decimal strings.
func (m *Milli) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	ms, err := n.Int64()
	if err != nil {
		return err
	}
	*m = FromUnixMilli(ms)
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (m Milli) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeInt(m.UnixMilli())
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (m *Milli) DecodeMsgpack(dec *msgpack.Decoder) error {
	ms, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	*m = FromUnixMilli(ms)
	return nil
}

// MarshalYAML implements the goccy/go-yaml InterfaceMarshaler.
func (m Milli) MarshalYAML() (any, error) {
	return m.UnixMilli(), nil
}
