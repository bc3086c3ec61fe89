package extract

import (
	"bytes"

	"cruncher/internal/record"
)

const maxKeyLength = 128

// LogfmtFields parses msg as logfmt:
//
//	key   := ident
//	value := ident | '"' quoted_string '"'
//	ident := byte > ' ', excluding '=' and '"'
//	pair  := key '=' value | key '=' | key
//
// A bare key becomes true. Quoted values stay strings; unquoted ones are
// typed as numbers or booleans when they parse as such. Repeated keys keep
// the first value. Returns nil when msg does not look like logfmt.
func LogfmtFields(msg []byte) map[string]record.Field {
	return parseLogfmt(msg, true)
}

func parseLogfmt(msg []byte, bareKeys bool) map[string]record.Field {
	if !isLogfmt(msg) {
		return nil
	}

	out := make(map[string]record.Field)
	add := func(k string, v record.Field) {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}

	i := 0
	for i < len(msg) {
		for i < len(msg) && isSpace(msg[i]) {
			i++
		}
		if i >= len(msg) {
			break
		}

		start := i
		for i < len(msg) && isIdent(msg[i]) {
			i++
		}
		key := msg[start:i]
		if len(key) == 0 {
			// Stray quote or '='.
			i++
			continue
		}
		if len(key) > maxKeyLength {
			for i < len(msg) && !isSpace(msg[i]) {
				i++
			}
			continue
		}

		if i >= len(msg) || msg[i] != '=' {
			if bareKeys {
				add(string(key), record.Bool(true))
			}
			continue
		}
		i++

		if i >= len(msg) || isSpace(msg[i]) {
			continue
		}
		if msg[i] == '"' {
			var s string
			s, i = quoted(msg, i)
			if s != "" {
				add(string(key), record.String(s))
			}
			continue
		}
		start = i
		for i < len(msg) && isIdent(msg[i]) {
			i++
		}
		if i > start {
			add(string(key), scalar(string(msg[start:i])))
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func isLogfmt(msg []byte) bool {
	msg = bytes.TrimLeft(msg, " \t\r\n")
	if len(msg) == 0 {
		return false
	}
	switch msg[0] {
	case '{', '[', '<':
		return false
	}
	return bytes.IndexByte(msg, '=') >= 0
}

// quoted reads a double-quoted value starting at msg[i] and returns it
// unescaped with the index after the closing quote.
func quoted(msg []byte, i int) (string, int) {
	i++
	var buf []byte
	for i < len(msg) && msg[i] != '"' {
		if msg[i] == '\\' && i+1 < len(msg) && (msg[i+1] == '"' || msg[i+1] == '\\') {
			buf = append(buf, msg[i+1])
			i += 2
			continue
		}
		buf = append(buf, msg[i])
		i++
	}
	if i < len(msg) {
		i++
	}
	return string(buf), i
}

func isIdent(c byte) bool { return c > ' ' && c != '=' && c != '"' }

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }
