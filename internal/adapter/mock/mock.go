// Package mock provides a source that synthesises log events on demand. It
// is used to exercise the full query path without external services.
//
// Events are deterministic for a given seed and time range: the same query
// always returns the same records.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"cruncher/internal/adapter"
	"cruncher/internal/logging"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// Ref is the plugin reference.
const Ref = "mock"

const (
	defaultEvents       = 5000
	defaultBatchSize    = 500
	defaultHostCount    = 10
	defaultServiceCount = 5
)

// Plugin returns the mock plugin registration.
func Plugin() adapter.Plugin {
	return adapter.Plugin{
		Ref:         Ref,
		Name:        "Mocked Data",
		Description: "Synthetic events in plain, kv, json, access and syslog formats",
		Version:     "1.0.0",
		Factory:     New,
		Defaults:    ParamDefaults,
	}
}

// ParamDefaults returns the default parameter values.
func ParamDefaults() map[string]string {
	return map[string]string{
		"events":    strconv.Itoa(defaultEvents),
		"batchSize": strconv.Itoa(defaultBatchSize),
		"rate":      "0",
	}
}

// Provider generates events for each query.
//
// Logging:
//   - Logger is dependency-injected via the factory
//   - Provider owns its scoped logger (component="adapter", type="mock")
//   - No logging in the generation loop
type Provider struct {
	events    int
	batchSize int
	rate      float64 // events per second, 0 = unlimited
	seed      uint64

	pools   *attributePools
	formats []string
	impls   map[string]logFormat

	logger *slog.Logger
}

// New creates a mock provider from connector parameters.
//
// Supported parameters:
//   - "events": events generated over the query range (default: 5000)
//   - "batchSize": records per batch (default: 500)
//   - "rate": events per second, "0" for unlimited (default: "0")
//   - "formats": comma-separated list of enabled formats (default: all)
//     Valid formats: plain, kv, json, access, syslog
//   - "hostCount": number of distinct hosts (default: 10)
//   - "serviceCount": number of distinct services (default: 5)
//   - "seed": generator seed (default: 1)
func New(params map[string]string, logger *slog.Logger) (adapter.QueryProvider, error) {
	p := &Provider{
		events:    defaultEvents,
		batchSize: defaultBatchSize,
		seed:      1,
		logger:    logging.Default(logger).With("component", "adapter", "type", Ref),
	}

	var err error
	if p.events, err = positiveInt(params, "events", defaultEvents); err != nil {
		return nil, err
	}
	if p.batchSize, err = positiveInt(params, "batchSize", defaultBatchSize); err != nil {
		return nil, err
	}
	hostCount, err := positiveInt(params, "hostCount", defaultHostCount)
	if err != nil {
		return nil, err
	}
	serviceCount, err := positiveInt(params, "serviceCount", defaultServiceCount)
	if err != nil {
		return nil, err
	}

	if v := params["rate"]; v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q: %w", v, err)
		}
		if r < 0 {
			return nil, fmt.Errorf("rate must be non-negative, got %v", r)
		}
		p.rate = r
	}
	if v := params["seed"]; v != "" {
		s, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", v, err)
		}
		p.seed = s
	}

	if p.formats, err = parseFormats(params["formats"]); err != nil {
		return nil, err
	}
	p.pools = newAttributePools(hostCount, serviceCount)
	p.impls = make(map[string]logFormat, len(p.formats))
	for _, f := range p.formats {
		p.impls[f] = newFormat(f, p.pools)
	}
	return p, nil
}

func positiveInt(params map[string]string, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

// parseFormats parses the formats parameter into a list of format names.
// If empty, returns all formats.
func parseFormats(formatsParam string) ([]string, error) {
	if formatsParam == "" {
		return allFormats, nil
	}

	var formats []string
	for p := range strings.SplitSeq(formatsParam, ",") {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if !slices.Contains(allFormats, name) {
			return nil, fmt.Errorf("unknown format %q", name)
		}
		if !slices.Contains(formats, name) {
			formats = append(formats, name)
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no valid formats specified")
	}
	return formats, nil
}

// ControllerParams lists the attribute pools.
func (p *Provider) ControllerParams(context.Context) (map[string][]string, error) {
	return map[string][]string{
		"host":    slices.Clone(p.pools.Hosts),
		"service": slices.Clone(p.pools.Services),
		"env":     slices.Clone(p.pools.Envs),
		"level":   slices.Clone(levels),
		"format":  slices.Clone(p.formats),
	}, nil
}

// Query spreads p.events evenly over [opts.From, opts.To], newest first,
// and delivers those matching search and params.
func (p *Provider) Query(ctx context.Context, params []querylang.IndexParam, search *querylang.Search, opts adapter.QueryOptions) error {
	filter, err := adapter.CompileParams(params)
	if err != nil {
		return err
	}
	match := querylang.NewMatcher(search)

	from, to := opts.From, opts.To
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() || !from.Before(to) {
		from = to.Add(-time.Hour)
	}
	step := to.Sub(from) / time.Duration(p.events)

	limiter := rate.NewLimiter(rate.Inf, p.batchSize)
	if p.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.rate), p.batchSize)
	}

	rng := rand.New(rand.NewPCG(p.seed, rangeSeed(from, to)))
	batcher := adapter.NewBatcher(opts, p.batchSize)
	for i := range p.events {
		if i%p.batchSize == 0 {
			if err := limiter.WaitN(ctx, p.batchSize); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}

		t := to.Add(-step * time.Duration(i))
		r, a := p.generate(rng, t)
		if !filter.MatchMap(a) || !match(r.Text()) {
			continue
		}
		if !batcher.Add(r) {
			break
		}
	}
	batcher.Flush()

	p.logger.Debug("mock query done", "sent", batcher.Sent(), "from", from, "to", to)
	return ctx.Err()
}

// generate builds the event at t. Every event is generated whether or not
// it matches, so filters never shift the events that follow.
func (p *Provider) generate(rng *rand.Rand, t time.Time) (record.Record, map[string]string) {
	a := attrs{
		Host:    pick(rng, p.pools.Hosts),
		Service: pick(rng, p.pools.Services),
		Env:     pick(rng, p.pools.Envs),
		Level:   pick(rng, levels),
	}
	format := pick(rng, p.formats)
	line, fields := p.impls[format].Generate(rng, t, a)

	r := record.New(t, line)
	maps.Copy(r.Fields, fields)
	base := map[string]string{
		"host":    a.Host,
		"service": a.Service,
		"env":     a.Env,
		"level":   a.Level,
		"format":  format,
	}
	for k, v := range base {
		r.Fields[k] = record.String(v)
	}
	return r, base
}

func rangeSeed(from, to time.Time) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%d-%d", from.UnixMilli(), to.UnixMilli()))
}
