// Package docker provides a source reading container logs from a Docker
// daemon. Each query lists the containers, reads the logs of those matching
// the index params over the requested range and filters them by the search
// predicate.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/grafana/regexp"
	"golang.org/x/sync/errgroup"

	"cruncher/internal/adapter"
	"cruncher/internal/extract"
	"cruncher/internal/logging"
	"cruncher/internal/query"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// Ref is the plugin reference.
const Ref = "docker"

const (
	defaultHost        = "unix:///var/run/docker.sock"
	defaultConcurrency = 4
)

// Plugin returns the docker plugin registration.
func Plugin() adapter.Plugin {
	return adapter.Plugin{
		Ref:         Ref,
		Name:        "Docker",
		Description: "Container logs from a Docker daemon",
		Version:     "1.0.0",
		Factory:     New,
		Defaults:    ParamDefaults,
	}
}

// ParamDefaults returns the default parameter values.
func ParamDefaults() map[string]string {
	return map[string]string{
		"host":        defaultHost,
		"concurrency": strconv.Itoa(defaultConcurrency),
		"batchSize":   strconv.Itoa(adapter.DefaultBatchSize),
		"extract":     string(extract.JSON),
	}
}

// Provider queries container logs.
//
// Logging:
//   - Logger is dependency-injected via the factory
//   - Provider owns its scoped logger (component="adapter", type="docker")
//   - Per-container failures are logged and skipped; listing failures are returned
type Provider struct {
	client      dockerClient
	stdout      bool
	stderr      bool
	concurrency int
	batchSize   int
	extract     extract.Mode
	logger      *slog.Logger
}

// New creates a docker provider from connector parameters.
//
// Supported parameters:
//   - "host": daemon address (default: unix:///var/run/docker.sock)
//   - "tls": "true" to use TLS for tcp:// hosts
//   - "tls_ca", "tls_cert", "tls_key": PEM file paths
//   - "tls_verify": "false" to skip server verification (default: true)
//   - "stdout", "stderr": "false" to skip a stream (default: both)
//   - "concurrency": containers read in parallel (default: 4)
//   - "batchSize": records per batch (default: 1000)
//   - "extract": field extraction mode, one of auto, json, logfmt, access, none (default: json)
func New(params map[string]string, logger *slog.Logger) (adapter.QueryProvider, error) {
	host := params["host"]
	if host == "" {
		host = defaultHost
	}

	var tlsCfg *clientTLSConfig
	if params["tls"] == "true" {
		tlsCfg = &clientTLSConfig{
			CAFile:   params["tls_ca"],
			CertFile: params["tls_cert"],
			KeyFile:  params["tls_key"],
			Verify:   params["tls_verify"] != "false",
		}
	}

	cli, err := newSDKDockerClient(host, tlsCfg)
	if err != nil {
		return nil, err
	}
	return newProvider(cli, params, logger)
}

func newProvider(cli dockerClient, params map[string]string, logger *slog.Logger) (*Provider, error) {
	p := &Provider{
		client: cli,
		stdout: params["stdout"] != "false",
		stderr: params["stderr"] != "false",
		logger: logging.Default(logger).With("component", "adapter", "type", Ref),
	}
	if !p.stdout && !p.stderr {
		return nil, fmt.Errorf("stdout and stderr cannot both be disabled")
	}

	var err error
	if p.concurrency, err = positiveInt(params, "concurrency", defaultConcurrency); err != nil {
		return nil, err
	}
	if p.batchSize, err = positiveInt(params, "batchSize", adapter.DefaultBatchSize); err != nil {
		return nil, err
	}
	if p.extract, err = extract.ParseMode(params["extract"], extract.JSON); err != nil {
		return nil, err
	}
	return p, nil
}

func positiveInt(params map[string]string, key string, def int) (int, error) {
	v := params[key]
	if v == "" {
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

// ControllerParams lists the current containers.
func (p *Provider) ControllerParams(ctx context.Context) (map[string][]string, error) {
	containers, err := p.client.ContainerList(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{})
	ids := make(map[string]struct{})
	images := make(map[string]struct{})
	statuses := make(map[string]struct{})
	for _, c := range containers {
		names[c.Name] = struct{}{}
		ids[c.ID] = struct{}{}
		images[c.Image] = struct{}{}
		if c.Status != "" {
			statuses[c.Status] = struct{}{}
		}
	}
	return map[string][]string{
		"container":    slices.Sorted(maps.Keys(names)),
		"container_id": slices.Sorted(maps.Keys(ids)),
		"image":        slices.Sorted(maps.Keys(images)),
		"status":       slices.Sorted(maps.Keys(statuses)),
		"stream":       {"stderr", "stdout"},
	}, nil
}

// Query reads the logs of every matching container. Without a limit each
// container's records are emitted as soon as they are read; with one, the
// per-container runs are merged so that the newest records win.
func (p *Provider) Query(ctx context.Context, params []querylang.IndexParam, search *querylang.Search, opts adapter.QueryOptions) error {
	filter, err := adapter.CompileParams(params)
	if err != nil {
		return err
	}
	match := querylang.NewMatcher(search)

	containers, err := p.client.ContainerList(ctx)
	if err != nil {
		return err
	}
	containers = slices.DeleteFunc(containers, func(c containerInfo) bool {
		return !p.selected(filter, c)
	})
	slices.SortFunc(containers, func(a, b containerInfo) int { return strings.Compare(a.Name, b.Name) })

	batcher := adapter.NewBatcher(opts, p.batchSize)
	var (
		mu   sync.Mutex
		runs [][]record.Record
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, c := range containers {
		g.Go(func() error {
			rows, err := p.readContainer(gctx, c, filter, match, opts)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.logger.Warn("container logs failed", "container", c.Name, "error", err)
				return nil
			}
			query.SortDescending(rows)
			if opts.Limit > 0 && len(rows) > opts.Limit {
				rows = rows[:opts.Limit]
			}

			mu.Lock()
			defer mu.Unlock()
			if opts.Limit > 0 {
				runs = append(runs, rows)
				return nil
			}
			for _, r := range rows {
				batcher.Add(r)
			}
			batcher.Flush()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range query.MergeDescending(runs...) {
		if !batcher.Add(r) {
			break
		}
	}
	batcher.Flush()

	p.logger.Debug("docker query done", "containers", len(containers), "sent", batcher.Sent())
	return ctx.Err()
}

// selected applies the container-level params. A "container" param matches
// either the name or the id.
func (p *Provider) selected(f *adapter.ParamFilter, c containerInfo) bool {
	return f.MatchValue("container", c.Name, c.ID) &&
		f.MatchValue("container_id", c.ID) &&
		f.MatchValue("image", c.Image) &&
		f.MatchValue("status", c.Status)
}

func (p *Provider) readContainer(ctx context.Context, c containerInfo, f *adapter.ParamFilter, match querylang.Matcher, opts adapter.QueryOptions) ([]record.Record, error) {
	body, isTTY, err := p.client.ContainerLogs(ctx, c.ID, opts.From, opts.To, p.stdout, p.stderr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var rows []record.Record
	emit := func(e logEntry) bool {
		if ctx.Err() != nil {
			return false
		}
		if e.Timestamp.IsZero() || !f.MatchValue("stream", e.Stream) {
			return true
		}
		r, ok := p.toRecord(c, e, match)
		if ok && adapter.InRange(opts, r) {
			rows = append(rows, r)
		}
		return true
	}

	if isTTY {
		err = readRaw(body, emit)
	} else {
		err = readMultiplexed(body, emit)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return rows, err
}

func (p *Provider) toRecord(c containerInfo, e logEntry, match querylang.Matcher) (record.Record, bool) {
	line := string(e.Line)
	clean := stripANSI(line)
	if !match(clean) {
		return record.Record{}, false
	}

	r := record.New(e.Timestamp, line)
	extract.Apply(r.Fields, []byte(clean), p.extract)
	r.Fields["ansi_free_line"] = record.String(clean)
	r.Fields["container"] = record.String(c.Name)
	r.Fields["containerId"] = record.String(c.ID)
	r.Fields["image"] = record.String(c.Image)
	r.Fields["status"] = record.String(c.Status)
	r.Fields["stream"] = record.String(e.Stream)
	return r, true
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}
