package helpers

import (
	"encoding/json"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
)

// Timestamp is a time.Time that tolerates the timestamp flavours the backend
// emits. Python's isoformat() drops the zone for naive datetimes, those are
// interpreted as UTC.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t Timestamp) MarshalYAML() (interface{}, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UTC(), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "timestamp must be a string")
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses s, assuming UTC when no zone is given.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return parsed, nil
	}
	parsed, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "could not parse timestamp %q", s)
	}
	return parsed, nil
}
