package helpers

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
)

// UnmarshalID decodes an identifier that the backend may send either as a JSON
// number or as a JSON string. null decodes to the empty string.
func UnmarshalID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", errors.Wrap(err, "could not decode string id")
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", errors.Wrapf(err, "id must be a string or a number, got %s", string(data))
	}
	return n.String(), nil
}

// MarshalID encodes an identifier. Ids made only of digits are sent back as
// JSON numbers so that backends with integer keys accept them, everything
// else is sent as a string. The empty id encodes as null.
func MarshalID(id string) ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if isDecimal(id) {
		return []byte(id), nil
	}
	return json.Marshal(id)
}

func isDecimal(s string) bool {
	if s == "" || len(s) > 18 {
		return false
	}
	if strings.HasPrefix(s, "0") && len(s) > 1 {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// NewSessionID returns the client generated id that addresses the duplex channel.
func NewSessionID() string {
	return "client_" + shortuuid.New()
}
