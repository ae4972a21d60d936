package apireq

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// FlexInt accepts a JSON number or a numeric string. Strings are read like a
// lenient integer parse: leading digits count, anything else yields 0. Set
// reports whether the field was present and not null.
type FlexInt struct {
	Value int
	Set   bool
}

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = FlexInt{}
		return nil
	}
	f.Set = true
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f.Value = leadingInt(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		f.Value = 0
		return nil
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		f.Value = 0
		return nil
	}
	f.Value = int(n)
	return nil
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(f.Value)), nil
}

// Ptr returns nil when the field was absent.
func (f FlexInt) Ptr() *int {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}
