// Package file provides a source that scans local log files. Files are
// selected by doublestar patterns; each line becomes one record stamped with
// its leading RFC3339 timestamp, or the file's modification time when it has
// none.
package file

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"cruncher/internal/adapter"
	"cruncher/internal/extract"
	"cruncher/internal/logging"
	"cruncher/internal/query"
	"cruncher/internal/querylang"
	"cruncher/internal/record"
)

// Ref is the plugin reference.
const Ref = "file"

const maxLineSize = 1024 * 1024

// Plugin returns the file plugin registration.
func Plugin() adapter.Plugin {
	return adapter.Plugin{
		Ref:         Ref,
		Name:        "Files",
		Description: "Lines of local log files matched by glob patterns",
		Version:     "1.0.0",
		Factory:     New,
		Defaults:    ParamDefaults,
	}
}

// ParamDefaults returns the default parameter values.
func ParamDefaults() map[string]string {
	return map[string]string{
		"batchSize": strconv.Itoa(adapter.DefaultBatchSize),
		"extract":   string(extract.Auto),
	}
}

// Provider scans files on every query.
//
// Logging:
//   - Logger is dependency-injected via the factory
//   - Provider owns its scoped logger (component="adapter", type="file")
//   - Unreadable files are logged and skipped
type Provider struct {
	patterns  []string
	batchSize int
	extract   extract.Mode
	logger    *slog.Logger
}

// New creates a file provider from connector parameters.
//
// Supported parameters:
//   - "paths": comma-separated doublestar patterns, e.g. /var/log/**/*.log (required)
//   - "batchSize": records per batch (default: 1000)
//   - "extract": field extraction mode, one of auto, json, logfmt, access, none (default: auto)
func New(params map[string]string, logger *slog.Logger) (adapter.QueryProvider, error) {
	p := &Provider{
		batchSize: adapter.DefaultBatchSize,
		logger:    logging.Default(logger).With("component", "adapter", "type", Ref),
	}
	for pat := range strings.SplitSeq(params["paths"], ",") {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if !doublestar.ValidatePathPattern(pat) {
			return nil, fmt.Errorf("invalid path pattern %q", pat)
		}
		p.patterns = append(p.patterns, filepath.Clean(pat))
	}
	if len(p.patterns) == 0 {
		return nil, fmt.Errorf("paths param is required")
	}
	if v := params["batchSize"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid batchSize %q", v)
		}
		p.batchSize = n
	}
	mode, err := extract.ParseMode(params["extract"], extract.Auto)
	if err != nil {
		return nil, err
	}
	p.extract = mode
	return p, nil
}

// files returns the regular files matching the patterns, sorted and
// without duplicates.
func (p *Provider) files() ([]string, error) {
	var out []string
	for _, pat := range p.patterns {
		matches, err := doublestar.FilepathGlob(pat, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pat, err)
		}
		out = append(out, matches...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// ControllerParams lists the matching files by base name.
func (p *Provider) ControllerParams(context.Context) (map[string][]string, error) {
	files, err := p.files()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	slices.Sort(names)
	return map[string][]string{
		"file": slices.Compact(names),
		"path": files,
	}, nil
}

// Query scans every matching file. A "file" param matches the base name or
// the full path.
func (p *Provider) Query(ctx context.Context, params []querylang.IndexParam, search *querylang.Search, opts adapter.QueryOptions) error {
	filter, err := adapter.CompileParams(params)
	if err != nil {
		return err
	}
	match := querylang.NewMatcher(search)

	files, err := p.files()
	if err != nil {
		return err
	}

	batcher := adapter.NewBatcher(opts, p.batchSize)
	var runs [][]record.Record
	scanned := 0
	for _, path := range files {
		if !filter.MatchValue("file", filepath.Base(path), path) || !filter.MatchValue("path", path) {
			continue
		}
		if adapter.Canceled(ctx) {
			return ctx.Err()
		}
		rows, err := scanFile(ctx, path, match, opts, p.extract)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("scan file failed", "path", path, "error", err)
			continue
		}
		scanned++

		query.SortDescending(rows)
		if opts.Limit > 0 {
			if len(rows) > opts.Limit {
				rows = rows[:opts.Limit]
			}
			runs = append(runs, rows)
			continue
		}
		for _, r := range rows {
			batcher.Add(r)
		}
		batcher.Flush()
	}

	for _, r := range query.MergeDescending(runs...) {
		if !batcher.Add(r) {
			break
		}
	}
	batcher.Flush()

	p.logger.Debug("file query done", "files", scanned, "sent", batcher.Sent())
	return ctx.Err()
}

func scanFile(ctx context.Context, path string, match querylang.Matcher, opts adapter.QueryOptions, mode extract.Mode) ([]record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	mtime := info.ModTime()
	name := filepath.Base(path)

	var rows []record.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%4096 == 0 && adapter.Canceled(ctx) {
			return nil, ctx.Err()
		}
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 || !match(string(line)) {
			continue
		}

		ts, body := leadingTimestamp(line)
		if ts.IsZero() {
			ts = mtime
		}
		r := record.New(ts, string(line))
		extract.Apply(r.Fields, body, mode)
		if !adapter.InRange(opts, r) {
			continue
		}
		r.Fields["file"] = record.String(name)
		r.Fields["path"] = record.String(path)
		r.Fields["line"] = record.Number(float64(lineNo))
		rows = append(rows, r)
	}
	return rows, scanner.Err()
}

// leadingTimestamp parses an RFC3339 timestamp at the start of line,
// optionally wrapped in brackets. It returns the zero time and the whole
// line when there is none.
func leadingTimestamp(line []byte) (time.Time, []byte) {
	s := line
	bracketed := len(s) > 0 && s[0] == '['
	if bracketed {
		s = s[1:]
	}
	end := bytes.IndexAny(s, " \t]")
	if end < 0 {
		end = len(s)
	}
	if end < len("2006-01-02T15:04:05Z") {
		return time.Time{}, line
	}
	ts, err := time.Parse(time.RFC3339Nano, string(s[:end]))
	if err != nil {
		return time.Time{}, line
	}
	rest := s[end:]
	if bracketed {
		rest = bytes.TrimPrefix(rest, []byte("]"))
	}
	return ts, bytes.TrimLeft(rest, " \t")
}
