package mock

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"cruncher/internal/record"
)

// Format names for configuration.
const (
	FormatPlain  = "plain"
	FormatKV     = "kv"
	FormatJSON   = "json"
	FormatAccess = "access"
	FormatSyslog = "syslog"
)

// allFormats lists all supported format names in default order.
var allFormats = []string{FormatPlain, FormatKV, FormatJSON, FormatAccess, FormatSyslog}

var levels = []string{"debug", "info", "warn", "error"}

// logFormat renders one synthetic event at t. The returned fields are added
// on top of the base attributes.
type logFormat interface {
	Generate(rng *rand.Rand, t time.Time, a attrs) (line string, fields map[string]record.Field)
}

// attrs are the per-event source attributes every format shares.
type attrs struct {
	Host    string
	Service string
	Env     string
	Level   string
}

// attributePools holds pre-generated attribute values so that cardinality
// stays fixed across queries.
type attributePools struct {
	Hosts    []string
	Services []string
	Envs     []string
	VHosts   []string
}

func newAttributePools(hostCount, serviceCount int) *attributePools {
	hosts := make([]string, hostCount)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host-%d", i+1)
	}

	serviceNames := []string{"api", "web", "backend", "worker", "gateway", "auth", "cache", "db-proxy", "scheduler", "metrics"}
	services := make([]string, 0, serviceCount)
	for i := range serviceCount {
		name := serviceNames[i%len(serviceNames)]
		if i >= len(serviceNames) {
			name += "-" + strconv.Itoa(i/len(serviceNames)+1)
		}
		services = append(services, name)
	}

	return &attributePools{
		Hosts:    hosts,
		Services: services,
		Envs:     []string{"prod", "staging", "dev", "test"},
		VHosts:   []string{"example.com", "api.example.com", "admin.example.com", "cdn.example.com"},
	}
}

// pick returns a random element from the slice.
func pick[T any](rng *rand.Rand, s []T) T {
	return s[rng.IntN(len(s))]
}

type plainFormat struct{}

func (plainFormat) Generate(rng *rand.Rand, _ time.Time, a attrs) (string, map[string]record.Field) {
	messages := []string{
		"starting worker pool",
		"connection established to upstream",
		"request timeout after retries",
		"cache miss for session key",
		"shutting down gracefully",
		"configuration reloaded",
		"disk usage above threshold",
		"failed to resolve dependency",
		"health check passed",
		"queue depth exceeded limit",
	}
	return fmt.Sprintf("%s %s: %s", strings.ToUpper(a.Level), a.Service, pick(rng, messages)), nil
}

type kvFormat struct{}

func (kvFormat) Generate(rng *rand.Rand, _ time.Time, a attrs) (string, map[string]record.Field) {
	messages := []string{
		"request completed",
		"database query executed",
		"cache lookup",
		"authentication attempt",
		"job processed",
		"event published",
		"transaction committed",
	}
	methods := []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	paths := []string{"/api/users", "/api/orders", "/api/products", "/health", "/api/search"}

	msg := pick(rng, messages)
	var line string
	switch rng.IntN(3) {
	case 0:
		line = fmt.Sprintf(`level=%s msg=%q method=%s path=%s status=%d latency_ms=%d`,
			a.Level, msg, pick(rng, methods), pick(rng, paths), 200+rng.IntN(300), rng.IntN(500))
	case 1:
		line = fmt.Sprintf(`level=%s msg=%q table=%s rows=%d duration_ms=%d`,
			a.Level, msg, pick(rng, []string{"users", "orders", "products", "sessions"}),
			rng.IntN(1000), rng.IntN(100))
	default:
		line = fmt.Sprintf(`level=%s msg=%q trace_id=%016x duration_ms=%d`,
			a.Level, msg, rng.Uint64(), rng.IntN(1000))
	}
	return line, parseKV(line)
}

// parseKV extracts key=value pairs. Quoted values are unquoted and numeric
// values become numbers.
func parseKV(line string) map[string]record.Field {
	fields := make(map[string]record.Field)
	rest := line
	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			break
		}
		key := rest[:eq]
		rest = rest[eq+1:]

		var val string
		if strings.HasPrefix(rest, `"`) {
			q, err := strconv.QuotedPrefix(rest)
			if err != nil {
				break
			}
			val, _ = strconv.Unquote(q)
			rest = rest[len(q):]
		} else {
			end := strings.IndexByte(rest, ' ')
			if end < 0 {
				end = len(rest)
			}
			val = rest[:end]
			rest = rest[end:]
		}

		if n, err := strconv.ParseFloat(val, 64); err == nil {
			fields[key] = record.Number(n)
		} else {
			fields[key] = record.String(val)
		}
	}
	return fields
}

type jsonFormat struct{}

func (jsonFormat) Generate(rng *rand.Rand, t time.Time, a attrs) (string, map[string]record.Field) {
	messages := []string{
		"request handled",
		"cache invalidated",
		"user session expired",
		"rate limit applied",
		"circuit breaker opened",
		"retry succeeded",
	}
	obj := map[string]any{
		"level": a.Level,
		"msg":   pick(rng, messages),
		"ts":    t.UnixMilli(),
	}
	switch rng.IntN(3) {
	case 0:
		obj["request"] = map[string]any{
			"method": pick(rng, []string{"GET", "POST", "PUT", "DELETE"}),
			"path":   pick(rng, []string{"/api/v1/users", "/api/v1/orders", "/graphql"}),
		}
		obj["response"] = map[string]any{
			"status":     200 + rng.IntN(300),
			"latency_ms": rng.IntN(500),
		}
	case 1:
		obj["error"] = map[string]any{
			"message": pick(rng, []string{"connection refused", "timeout", "invalid input", "not found"}),
			"code":    pick(rng, []string{"ECONNREFUSED", "ETIMEDOUT", "EINVAL", "ENOENT"}),
		}
		obj["retry_count"] = rng.IntN(5)
	default:
		obj["event_type"] = pick(rng, []string{"order.created", "payment.processed", "user.registered"})
		obj["amount"] = rng.IntN(100000) / 100
	}

	data, _ := json.Marshal(obj)
	fields, _ := record.ParseJSONObject(data)
	return string(data), fields
}

type accessFormat struct {
	pools *attributePools
}

func (f accessFormat) Generate(rng *rand.Rand, t time.Time, _ attrs) (string, map[string]record.Field) {
	method := pick(rng, []string{"GET", "GET", "GET", "POST", "PUT", "DELETE"})
	path := pick(rng, []string{"/", "/index.html", "/api/items", "/login", "/static/app.js", "/favicon.ico"})
	status := pick(rng, []int{200, 200, 200, 201, 301, 304, 400, 404, 500, 503})
	size := rng.IntN(50000)
	ip := fmt.Sprintf("10.%d.%d.%d", rng.IntN(256), rng.IntN(256), rng.IntN(256))
	vhost := pick(rng, f.pools.VHosts)

	line := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d %q`,
		ip, t.UTC().Format("02/Jan/2006:15:04:05 -0700"), method, path, status, size, vhost)
	return line, map[string]record.Field{
		"client_ip": record.String(ip),
		"method":    record.String(method),
		"path":      record.String(path),
		"status":    record.Number(float64(status)),
		"bytes":     record.Number(float64(size)),
		"vhost":     record.String(vhost),
	}
}

type syslogFormat struct{}

func (syslogFormat) Generate(rng *rand.Rand, t time.Time, a attrs) (string, map[string]record.Field) {
	programs := []struct {
		name     string
		messages []string
	}{
		{"sshd", []string{
			"Failed password for root from 192.168.1.100 port 22 ssh2",
			"Accepted publickey for admin from 10.0.0.5 port 54321 ssh2",
		}},
		{"kernel", []string{
			"Out of memory: Kill process 1234 (java) score 900 or sacrifice child",
			"EXT4-fs (sda1): mounted filesystem with ordered data mode",
		}},
		{"systemd", []string{
			"Started nginx.service - A high performance web server.",
			"Unit docker.service entered failed state.",
		}},
		{"cron", []string{
			"(root) CMD (/usr/local/bin/backup.sh)",
		}},
	}
	program := pick(rng, programs)
	pid := rng.IntN(65535)
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		8+rng.IntN(8), t.UTC().Format(time.Stamp), a.Host, program.name, pid, pick(rng, program.messages))
	return line, map[string]record.Field{
		"program": record.String(program.name),
		"pid":     record.Number(float64(pid)),
	}
}

func newFormat(name string, pools *attributePools) logFormat {
	switch name {
	case FormatKV:
		return kvFormat{}
	case FormatJSON:
		return jsonFormat{}
	case FormatAccess:
		return accessFormat{pools: pools}
	case FormatSyslog:
		return syslogFormat{}
	}
	return plainFormat{}
}
