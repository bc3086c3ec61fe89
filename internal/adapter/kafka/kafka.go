// Package kafka provides a source that reads a Kafka topic over a time range.
// Each query opens a fresh consumer at the first offset at or after the range
// start and reads until every partition has moved past the range end, the
// limit is reached or the topic stays idle.
package kafka

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"cruncher/internal/adapter"
	"cruncher/internal/extract"
	"cruncher/internal/logging"
	"cruncher/internal/query"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// Ref is the plugin reference.
const Ref = "kafka"

const defaultIdleTimeout = 2 * time.Second

// Plugin returns the kafka plugin registration.
func Plugin() adapter.Plugin {
	return adapter.Plugin{
		Ref:         Ref,
		Name:        "Kafka",
		Description: "Records of a Kafka topic, by record timestamp",
		Version:     "1.0.0",
		Factory:     New,
		Defaults:    ParamDefaults,
	}
}

// ParamDefaults returns the default parameter values.
func ParamDefaults() map[string]string {
	return map[string]string{
		"idleTimeout": defaultIdleTimeout.String(),
		"batchSize":   strconv.Itoa(adapter.DefaultBatchSize),
		"extract":     string(extract.JSON),
	}
}

// Config holds Kafka source configuration.
type Config struct {
	Brokers     []string
	Topic       string
	ClientID    string
	TLS         bool
	SASL        *SASLConfig
	IdleTimeout time.Duration
	BatchSize   int
	Extract     extract.Mode
	Logger      *slog.Logger
}

// Provider queries one topic.
//
// Logging:
//   - Logger is dependency-injected via the factory
//   - Provider owns its scoped logger (component="adapter", type="kafka")
type Provider struct {
	cfg    Config
	dial   dialFunc
	logger *slog.Logger
}

// New creates a kafka provider from connector parameters.
//
// Supported parameters:
//   - "brokers": comma-separated seed brokers (required)
//   - "topic": topic to read (required)
//   - "clientId": client id sent to the brokers (default: cruncher)
//   - "tls": "true" to dial with TLS
//   - "sasl_mechanism": plain, scram-sha-256 or scram-sha-512
//   - "sasl_user", "sasl_password": SASL credentials
//   - "idleTimeout": stop after this long without records (default: 2s)
//   - "batchSize": records per batch (default: 1000)
//   - "extract": field extraction mode, one of auto, json, logfmt, access, none (default: json)
func New(params map[string]string, logger *slog.Logger) (adapter.QueryProvider, error) {
	cfg, err := parseConfig(params)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return newProvider(cfg, cfg.dial), nil
}

func newProvider(cfg Config, dial dialFunc) *Provider {
	cfg.Extract = cmp.Or(cfg.Extract, extract.JSON)
	return &Provider{
		cfg:    cfg,
		dial:   dial,
		logger: logging.Default(cfg.Logger).With("component", "adapter", "type", Ref, "topic", cfg.Topic),
	}
}

func parseConfig(params map[string]string) (Config, error) {
	brokers := params["brokers"]
	if brokers == "" {
		return Config{}, fmt.Errorf("brokers param is required")
	}
	topic := params["topic"]
	if topic == "" {
		return Config{}, fmt.Errorf("topic param is required")
	}

	cfg := Config{
		Topic:       topic,
		ClientID:    cmp.Or(params["clientId"], "cruncher"),
		TLS:         params["tls"] == "true",
		IdleTimeout: defaultIdleTimeout,
		BatchSize:   adapter.DefaultBatchSize,
	}
	for b := range strings.SplitSeq(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}

	if mech := params["sasl_mechanism"]; mech != "" {
		switch strings.ToLower(mech) {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return Config{}, fmt.Errorf("unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
		}
		cfg.SASL = &SASLConfig{
			Mechanism: strings.ToLower(mech),
			User:      params["sasl_user"],
			Password:  params["sasl_password"],
		}
	}

	if v := params["idleTimeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid idleTimeout %q: %w", v, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("idleTimeout must be positive, got %s", d)
		}
		cfg.IdleTimeout = d
	}
	if v := params["batchSize"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid batchSize %q", v)
		}
		cfg.BatchSize = n
	}
	mode, err := extract.ParseMode(params["extract"], extract.JSON)
	if err != nil {
		return Config{}, err
	}
	cfg.Extract = mode
	return cfg, nil
}

// ControllerParams lists the index params the source understands. Partition
// and key values are not enumerated.
func (p *Provider) ControllerParams(context.Context) (map[string][]string, error) {
	return map[string][]string{
		"topic":     {p.cfg.Topic},
		"partition": {},
		"key":       {},
	}, nil
}

// Query reads the topic over [opts.From, opts.To]. Without a limit each poll's
// matches are emitted as they arrive; with one, the newest matches win.
func (p *Provider) Query(ctx context.Context, params []querylang.IndexParam, search *querylang.Search, opts adapter.QueryOptions) error {
	filter, err := adapter.CompileParams(params)
	if err != nil {
		return err
	}
	match := querylang.NewMatcher(search)

	c, err := p.dial(ctx, opts.From)
	if err != nil {
		return err
	}
	defer c.Close()

	batcher := adapter.NewBatcher(opts, p.cfg.BatchSize)
	var kept []record.Record
	seen := make(map[int32]bool) // partition -> moved past opts.To
	polls := 0

	for {
		recs, err := c.Poll(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			break
		}
		polls++

		var matched []record.Record
		for _, kr := range recs {
			if seen[kr.Partition] {
				continue
			}
			if !opts.To.IsZero() && kr.Timestamp.After(opts.To) {
				seen[kr.Partition] = true
				c.Pause(kr.Partition)
				continue
			}
			seen[kr.Partition] = false
			if r, ok := toRecord(kr, filter, match, p.cfg.Extract); ok && adapter.InRange(opts, r) {
				matched = append(matched, r)
			}
		}

		if opts.Limit > 0 {
			kept = newest(append(kept, matched...), opts.Limit)
		} else {
			for _, r := range matched {
				batcher.Add(r)
			}
			batcher.Flush()
		}
		if allPassed(seen) {
			break
		}
	}

	for _, r := range kept {
		batcher.Add(r)
	}
	batcher.Flush()

	p.logger.Debug("kafka query done", "polls", polls, "sent", batcher.Sent())
	return ctx.Err()
}

func allPassed(seen map[int32]bool) bool {
	if len(seen) == 0 {
		return false
	}
	for _, passed := range seen {
		if !passed {
			return false
		}
	}
	return true
}

// newest keeps the n most recent rows, newest first.
func newest(rows []record.Record, n int) []record.Record {
	query.SortDescending(rows)
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func toRecord(kr *kgo.Record, f *adapter.ParamFilter, match querylang.Matcher, mode extract.Mode) (record.Record, bool) {
	partition := strconv.Itoa(int(kr.Partition))
	key := string(kr.Key)
	if !f.MatchValue("partition", partition) || !f.MatchValue("key", key) || !f.MatchValue("topic", kr.Topic) {
		return record.Record{}, false
	}
	msg := string(kr.Value)
	if !match(msg) {
		return record.Record{}, false
	}

	r := record.New(kr.Timestamp, msg)
	extract.Apply(r.Fields, kr.Value, mode)
	for _, h := range kr.Headers {
		if strings.HasPrefix(h.Key, "_") {
			continue
		}
		r.Fields[h.Key] = record.String(string(h.Value))
	}
	r.Fields["kafka_topic"] = record.String(kr.Topic)
	r.Fields["kafka_partition"] = record.Number(float64(kr.Partition))
	r.Fields["kafka_offset"] = record.Number(float64(kr.Offset))
	if key != "" {
		r.Fields["kafka_key"] = record.String(key)
	}
	return r, true
}
