// Package extract turns the text of a log line into record fields. It
// understands JSON objects, logfmt and Apache/Nginx access log lines; adapters
// pick a Mode per connector.
package extract

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cruncher/internal/record"
)

// Mode selects how a line is parsed.
type Mode string

const (
	// Auto tries JSON for lines starting with '{', then the access log
	// format, then logfmt pairs.
	Auto   Mode = "auto"
	JSON   Mode = "json"
	Logfmt Mode = "logfmt"
	Access Mode = "access"
	None   Mode = "none"
)

// Modes lists the accepted mode names.
var Modes = []Mode{Auto, JSON, Logfmt, Access, None}

// ParseMode validates s. An empty string selects def.
func ParseMode(s string, def Mode) (Mode, error) {
	if s == "" {
		return def, nil
	}
	m := Mode(strings.ToLower(s))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown extract mode %q (supported: auto, json, logfmt, access, none)", s)
}

// Fields parses line according to mode. It returns nil when the line does
// not have the expected shape.
func Fields(line []byte, mode Mode) map[string]record.Field {
	switch mode {
	case JSON:
		fields, _ := record.ParseJSONObject(line)
		return fields
	case Logfmt:
		return parseLogfmt(line, true)
	case Access:
		return AccessLog(line)
	case Auto:
		trimmed := bytes.TrimLeft(line, " \t")
		if len(trimmed) > 0 && trimmed[0] == '{' {
			fields, _ := record.ParseJSONObject(trimmed)
			return fields
		}
		if fields := AccessLog(trimmed); fields != nil {
			return fields
		}
		// Free text often contains a stray word or two; only explicit pairs
		// count when the format was guessed.
		return parseLogfmt(trimmed, false)
	}
	return nil
}

// Apply copies the fields parsed from line into dst. Keys starting with an
// underscore are reserved and skipped.
func Apply(dst map[string]record.Field, line []byte, mode Mode) {
	for k, v := range Fields(line, mode) {
		if !strings.HasPrefix(k, "_") {
			dst[k] = v
		}
	}
}

// scalar types an unquoted value.
func scalar(s string) record.Field {
	switch s {
	case "true":
		return record.Bool(true)
	case "false":
		return record.Bool(false)
	}
	if looksNumeric(s) {
		if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(n, 0) {
			return record.Number(n)
		}
	}
	return record.String(s)
}

func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	if c == '-' || c == '+' {
		if len(s) == 1 {
			return false
		}
		c = s[1]
	}
	return c >= '0' && c <= '9' || c == '.'
}
