package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Timestamp is a time in seconds that the report encodes either as a JSON
// number or as a numeric string.
type Timestamp struct {
	Seconds float64
	Valid   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	var raw string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
		}
		raw = strings.TrimSpace(raw)
	} else {
		raw = string(data)
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %q", ErrMalformedTimestamp, raw)
	}

	*t = Timestamp{Seconds: v, Valid: true}
	return nil
}
