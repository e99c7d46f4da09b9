package backup

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LSN is a position in the relational store's write-ahead log.
// The textual form is the familiar "X/Y" pair of hex words; the numeric
// form is (X << 32) | Y so positions order totally.
type LSN uint64

// ParseLSN parses the "X/Y" textual form
func ParseLSN(s string) (LSN, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, NewValidationError(fmt.Sprintf("malformed LSN %q", s), nil)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, NewValidationError(fmt.Sprintf("malformed LSN %q", s), err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, NewValidationError(fmt.Sprintf("malformed LSN %q", s), err)
	}
	return LSN(hi<<32 | lo), nil
}

// String renders the "X/Y" textual form
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// MarshalJSON encodes the LSN in its textual form
func (l LSN) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes either the textual form or a raw number
func (l *LSN) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := ParseLSN(s)
		if perr != nil {
			return perr
		}
		*l = parsed
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = LSN(n)
	return nil
}
