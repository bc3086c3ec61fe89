package server

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"cruncher/internal/orchestrator"
)

// handlerFunc serves one sync_request kind. The returned value is sent as
// the sync_response payload.
type handlerFunc func(ctx context.Context, c *client, payload msgpack.RawMessage) (any, error)

type router struct {
	s        *Server
	handlers map[string]handlerFunc
}

func newRouter(s *Server) *router {
	r := &router{s: s}
	r.handlers = map[string]handlerFunc{
		"getSupportedPlugins":   r.getSupportedPlugins,
		"getInitializedPlugins": r.getInitializedPlugins,
		"getSearchProfiles":     r.getSearchProfiles,
		"getControllerParams":   r.getControllerParams,
		"runQuery":              r.runQuery,
		"cancelQuery":           r.cancelQuery,
		"releaseTaskResources":  r.releaseTaskResources,
		"getTasks":              r.getTasks,
		"getLogsPaginated":      r.getLogsPaginated,
		"getTableDataPaginated": r.getTableDataPaginated,
		"getViewData":           r.getViewData,
		"getClosestDateEvent":   r.getClosestDateEvent,
		"exportTableResults":    r.exportTableResults,
		"resetQueries":          r.resetQueries,
		"reloadConfig":          r.reloadConfig,
	}
	return r
}

// dispatch runs the handler for msg and builds the reply.
func (r *router) dispatch(ctx context.Context, c *client, msg inMessage) outMessage {
	h, ok := r.handlers[msg.Kind]
	if !ok {
		return syncError(msg.UUID, fmt.Errorf("%w: %q", errUnknownKind, msg.Kind))
	}
	r.s.metrics.request(msg.Kind)

	result, err := h(ctx, c, msg.Payload)
	if err != nil {
		r.s.metrics.requestFailed(msg.Kind)
		r.s.logger.Debug("request failed", "kind", msg.Kind, "uuid", msg.UUID, "error", err)
		return syncError(msg.UUID, err)
	}
	return syncResponse(msg.UUID, result)
}

type success struct {
	Success bool `msgpack:"success"`
}

var succeeded = success{Success: true}

type jobRequest struct {
	JobID string `msgpack:"jobId"`
}

type pageRequest struct {
	JobID  string `msgpack:"jobId"`
	Offset int    `msgpack:"offset"`
	Limit  int    `msgpack:"limit"`
}

// queryOptions carries times as epoch milliseconds; zero means unset.
type queryOptions struct {
	FromTime int64 `msgpack:"fromTime"`
	ToTime   int64 `msgpack:"toTime"`
	Limit    int   `msgpack:"limit"`
	IsForced bool  `msgpack:"isForced"`
}

func (q queryOptions) runOptions() orchestrator.RunOptions {
	var opts orchestrator.RunOptions
	if q.FromTime != 0 {
		opts.From = time.UnixMilli(q.FromTime)
	}
	if q.ToTime != 0 {
		opts.To = time.UnixMilli(q.ToTime)
	}
	opts.Limit = q.Limit
	opts.Forced = q.IsForced
	return opts
}

type runQueryRequest struct {
	Instance     string       `msgpack:"instance"`
	Profile      string       `msgpack:"profile"`
	SearchTerm   string       `msgpack:"searchTerm"`
	QueryOptions queryOptions `msgpack:"queryOptions"`
}

type runQueryResponse struct {
	JobID     string   `msgpack:"jobId"`
	Instances []string `msgpack:"instances"`
}

func (r *router) runQuery(ctx context.Context, c *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[runQueryRequest](payload)
	if err != nil {
		return nil, err
	}
	if wait, ok := r.s.limiter.allow(c.host()); !ok {
		r.s.metrics.rateLimited.Inc()
		r.s.logger.Warn("runQuery rate limited", "remote", c.addr, "retry_after", wait)
		if wait > 0 {
			return nil, fmt.Errorf("%w (retry in %s)", errRateLimited, wait.Round(time.Millisecond))
		}
		return nil, errRateLimited
	}

	start := time.Now()
	target := orchestrator.Target{Instance: req.Instance, Profile: req.Profile}
	task, err := r.s.orch.RunQuery(ctx, target, req.SearchTerm, req.QueryOptions.runOptions())
	r.s.metrics.runQueryDuration.UpdateDuration(start)
	if err != nil {
		return nil, err
	}
	return runQueryResponse{JobID: task.ID, Instances: task.Info().Instances}, nil
}

func (r *router) cancelQuery(_ context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[jobRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := r.s.orch.CancelQuery(req.JobID); err != nil {
		return nil, err
	}
	return succeeded, nil
}

func (r *router) releaseTaskResources(_ context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[jobRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := r.s.orch.ReleaseTaskResources(req.JobID); err != nil {
		return nil, err
	}
	return succeeded, nil
}

func (r *router) getTasks(context.Context, *client, msgpack.RawMessage) (any, error) {
	return r.s.orch.Tasks(), nil
}

func (r *router) getLogsPaginated(_ context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[pageRequest](payload)
	if err != nil {
		return nil, err
	}
	return r.s.orch.GetLogsPaginated(req.JobID, req.Offset, req.Limit)
}

func (r *router) getTableDataPaginated(_ context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[pageRequest](payload)
	if err != nil {
		return nil, err
	}
	return r.s.orch.GetTableDataPaginated(req.JobID, req.Offset, req.Limit)
}

type viewResponse struct {
	View *orchestrator.ViewSummary `msgpack:"view"`
}

func (r *router) getViewData(_ context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[jobRequest](payload)
	if err != nil {
		return nil, err
	}
	v, err := r.s.orch.GetViewData(req.JobID)
	if err != nil {
		return nil, err
	}
	var resp viewResponse
	if v != nil {
		resp.View = &orchestrator.ViewSummary{Kind: v.Kind, XAxis: v.XAxis, Series: v.Series, Points: v.Points}
	}
	return resp, nil
}

type closestRequest struct {
	JobID   string `msgpack:"jobId"`
	RefDate int64  `msgpack:"refDate"` // epoch milliseconds
}

func (r *router) getClosestDateEvent(_ context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[closestRequest](payload)
	if err != nil {
		return nil, err
	}
	return r.s.orch.GetClosestDateEvent(req.JobID, time.UnixMilli(req.RefDate))
}

type exportRequest struct {
	JobID  string `msgpack:"jobId"`
	Format string `msgpack:"format"`
}

type exportResponse struct {
	Format string `msgpack:"format"`
	Data   []byte `msgpack:"data"`
}

// exportTableResults returns the export inline. Large exports should use
// the HTTP endpoint, which streams.
func (r *router) exportTableResults(_ context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[exportRequest](payload)
	if err != nil {
		return nil, err
	}
	format := req.Format
	if format == "" {
		format = orchestrator.ExportCSV
	}
	var buf bytes.Buffer
	if err := r.s.orch.ExportTableResults(&buf, req.JobID, format); err != nil {
		return nil, err
	}
	return exportResponse{Format: format, Data: buf.Bytes()}, nil
}

func (r *router) resetQueries(context.Context, *client, msgpack.RawMessage) (any, error) {
	r.s.orch.ResetQueries()
	return succeeded, nil
}

func (r *router) reloadConfig(ctx context.Context, _ *client, _ msgpack.RawMessage) (any, error) {
	if err := r.s.Reload(ctx); err != nil {
		return nil, err
	}
	return succeeded, nil
}

type pluginInfo struct {
	Ref         string            `msgpack:"ref"`
	Name        string            `msgpack:"name"`
	Description string            `msgpack:"description,omitempty"`
	Version     string            `msgpack:"version,omitempty"`
	Defaults    map[string]string `msgpack:"defaults,omitempty"`
}

func (r *router) getSupportedPlugins(context.Context, *client, msgpack.RawMessage) (any, error) {
	plugins := r.s.orch.Plugins()
	out := make([]pluginInfo, len(plugins))
	for i, p := range plugins {
		out[i] = pluginInfo{Ref: p.Ref, Name: p.Name, Description: p.Description, Version: p.Version}
		if p.Defaults != nil {
			out[i].Defaults = p.Defaults()
		}
	}
	return out, nil
}

func (r *router) getInitializedPlugins(context.Context, *client, msgpack.RawMessage) (any, error) {
	return r.s.orch.Instances(), nil
}

func (r *router) getSearchProfiles(context.Context, *client, msgpack.RawMessage) (any, error) {
	return r.s.orch.Profiles(), nil
}

type controllerParamsRequest struct {
	Instance string `msgpack:"instance"`
}

func (r *router) getControllerParams(ctx context.Context, _ *client, payload msgpack.RawMessage) (any, error) {
	req, err := decodePayload[controllerParamsRequest](payload)
	if err != nil {
		return nil, err
	}
	return r.s.orch.GetControllerParams(ctx, req.Instance)
}
