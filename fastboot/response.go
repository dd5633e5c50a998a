package fastboot

import (
	"fmt"
	"strconv"
)

// Status selects the class of a response record.
type Status uint8

// Response classes.
const (
	StatusOkay Status = iota // Final success
	StatusFail               // Final failure
	StatusInfo               // Informational, any number before the terminal record
	StatusData               // Announces a raw data phase
)

// PrefixSize is the length of the literal prefix of every response record.
const PrefixSize = 4

// DataRecordSize is the length of a DATA record: prefix plus 8 hex digits.
const DataRecordSize = PrefixSize + 8

var statusPrefix = [...]string{
	StatusOkay: "OKAY",
	StatusFail: "FAIL",
	StatusInfo: "INFO",
	StatusData: "DATA",
}

// String returns the wire prefix of the status.
func (s Status) String() string {
	if int(s) < len(statusPrefix) {
		return statusPrefix[s]
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminal reports whether s ends a command's response sequence.
func (s Status) IsTerminal() bool {
	return s == StatusOkay || s == StatusFail
}

// ParseStatus returns the status selected by the first 4 bytes of record.
func ParseStatus(record []byte) (Status, bool) {
	if len(record) < PrefixSize {
		return 0, false
	}
	prefix := string(record[:PrefixSize])
	for i, p := range statusPrefix {
		if p == prefix {
			return Status(i), true
		}
	}
	return 0, false
}

// EncodeResponse writes one response record into buf and returns its length.
// The message is truncated so the record fits in buf. Returns 0 if buf
// cannot hold the prefix.
func EncodeResponse(buf []byte, status Status, message string) int {
	if len(buf) < PrefixSize || int(status) >= len(statusPrefix) {
		return 0
	}
	n := copy(buf, statusPrefix[status])
	n += copy(buf[n:], message)
	return n
}

// EncodeData writes a DATA record announcing size bytes into buf and returns
// its length. Returns 0 if buf is shorter than DataRecordSize or size does
// not fit in 8 hex digits.
func EncodeData(buf []byte, size int64) int {
	if len(buf) < DataRecordSize || size < 0 || size > 0xFFFFFFFF {
		return 0
	}
	return copy(buf, fmt.Sprintf("%s%08x", statusPrefix[StatusData], size))
}

// ParseDataSize extracts the size announced by a DATA record.
func ParseDataSize(record []byte) (int64, error) {
	status, ok := ParseStatus(record)
	if !ok || status != StatusData {
		return 0, fmt.Errorf("not a DATA record: %q", record)
	}
	size, err := strconv.ParseUint(string(record[PrefixSize:]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid DATA size %q: %w", record[PrefixSize:], err)
	}
	return int64(size), nil
}
