package extract

import (
	"strings"
	"time"

	"cruncher/internal/record"
)

const accessTimeLayout = "02/Jan/2006:15:04:05 -0700"

// AccessLog parses an Apache/Nginx Common or Combined Log Format line:
//
//	127.0.0.1 - frank [10/Oct/2000:13:55:36 -0700] "GET /index.html HTTP/1.1" 200 2326 "http://example.com" "Mozilla/5.0"
//
// Status and byte counts become numbers and the bracketed time becomes
// time_local. Placeholder dashes are omitted. Returns nil when the line does
// not match.
func AccessLog(msg []byte) map[string]record.Field {
	p := lineParser{data: msg}

	remoteHost := p.token()
	_ = p.token() // ident
	remoteUser := p.token()
	if p.err || remoteHost == "" {
		return nil
	}

	if !p.expect('[') {
		return nil
	}
	stamp := p.until(']')
	if !p.expect('"') {
		return nil
	}
	request := p.until('"')
	if p.err {
		return nil
	}
	method, path, protocol, ok := splitRequest(request)
	if !ok {
		return nil
	}

	status := p.token()
	if p.err || !isDigits(status) {
		return nil
	}
	bodyBytes := p.token()
	if p.err {
		return nil
	}

	out := map[string]record.Field{
		"remote_host": record.String(remoteHost),
		"method":      record.String(method),
		"path":        record.String(path),
		"status":      scalar(status),
	}
	if remoteUser != "-" && remoteUser != "" {
		out["remote_user"] = record.String(remoteUser)
	}
	if t, err := time.Parse(accessTimeLayout, stamp); err == nil {
		out["time_local"] = record.Date(t)
	}
	if protocol != "" {
		out["protocol"] = record.String(protocol)
	}
	if isDigits(bodyBytes) {
		out["body_bytes"] = scalar(bodyBytes)
	}

	if p.skipSpace(); p.accept('"') {
		if referer := p.until('"'); !p.err && referer != "-" && referer != "" {
			out["referer"] = record.String(referer)
		}
		if p.skipSpace(); !p.err && p.accept('"') {
			if agent := p.until('"'); !p.err && agent != "" {
				out["user_agent"] = record.String(agent)
			}
		}
	}
	return out
}

type lineParser struct {
	data []byte
	pos  int
	err  bool
}

// token reads the next space-delimited word.
func (p *lineParser) token() string {
	p.skipSpace()
	if p.pos >= len(p.data) {
		p.err = true
		return ""
	}
	start := p.pos
	for p.pos < len(p.data) && p.data[p.pos] != ' ' && p.data[p.pos] != '\t' {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// until reads up to delim and consumes it.
func (p *lineParser) until(delim byte) string {
	start := p.pos
	for p.pos < len(p.data) && p.data[p.pos] != delim {
		p.pos++
	}
	if p.pos >= len(p.data) {
		p.err = true
		return string(p.data[start:])
	}
	s := string(p.data[start:p.pos])
	p.pos++
	return s
}

func (p *lineParser) expect(b byte) bool {
	p.skipSpace()
	if !p.accept(b) {
		p.err = true
		return false
	}
	return true
}

func (p *lineParser) accept(b byte) bool {
	if p.pos >= len(p.data) || p.data[p.pos] != b {
		return false
	}
	p.pos++
	return true
}

func (p *lineParser) skipSpace() {
	for p.pos < len(p.data) && (p.data[p.pos] == ' ' || p.data[p.pos] == '\t') {
		p.pos++
	}
}

// splitRequest splits "GET /path HTTP/1.1".
func splitRequest(line string) (method, path, protocol string, ok bool) {
	method, rest, found := strings.Cut(line, " ")
	if !found || method == "" {
		return "", "", "", false
	}
	rest = strings.TrimLeft(rest, " ")
	path, protocol, _ = strings.Cut(rest, " ")
	if path == "" {
		return "", "", "", false
	}
	return method, path, strings.TrimSpace(protocol), true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
