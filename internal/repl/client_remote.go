package repl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"cruncher/internal/logging"
	"cruncher/internal/notify"
	"cruncher/internal/orchestrator"
)

const (
	msgSyncRequest  = "sync_request"
	msgSyncResponse = "sync_response"
	msgSyncError    = "sync_error"
	msgJobUpdated   = "query_job_updated"

	remoteWriteWait = 10 * time.Second
)

// ErrDisconnected is returned by calls made after the connection dropped.
var ErrDisconnected = errors.New("disconnected from server")

// RemoteError is a sync_error returned by the server.
type RemoteError struct {
	Message string `msgpack:"error"`
	Details string `msgpack:"details"`
}

func (e *RemoteError) Error() string { return e.Message }

type request struct {
	Type    string `msgpack:"type"`
	UUID    string `msgpack:"uuid"`
	Kind    string `msgpack:"kind"`
	Payload any    `msgpack:"payload"`
}

type response struct {
	Type    string             `msgpack:"type"`
	UUID    string             `msgpack:"uuid"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// RemoteClient talks to a running server over its websocket endpoint.
// Requests may be issued concurrently; replies are matched by uuid.
type RemoteClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	err     error

	// updates fires on every query_job_updated broadcast.
	updates *notify.Signal
	done    chan struct{}
}

var _ Client = (*RemoteClient)(nil)

// Dial connects to the server at addr, which is a host:port or an http,
// https, ws or wss URL. The /ws path is added when absent.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*RemoteClient, error) {
	u, err := wsURL(addr)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	c := &RemoteClient{
		conn:    conn,
		logger:  logging.Default(logger).With("component", "repl-client"),
		pending: make(map[string]chan response),
		updates: notify.NewSignal(),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func wsURL(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse server address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *RemoteClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read loop ended", "error", err)
			}
			return
		}
		var msg response
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch msg.Type {
		case msgSyncResponse, msgSyncError:
			c.mu.Lock()
			ch, ok := c.pending[msg.UUID]
			delete(c.pending, msg.UUID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case msgJobUpdated:
			c.updates.Notify()
		}
	}
}

// call sends a sync_request and decodes the reply into a T.
func call[T any](ctx context.Context, c *RemoteClient, kind string, payload any) (T, error) {
	var zero T
	id := uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return zero, fmt.Errorf("%w: %w", ErrDisconnected, c.err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := msgpack.Marshal(request{Type: msgSyncRequest, UUID: id, Kind: kind, Payload: payload})
	if err != nil {
		c.forget(id)
		return zero, err
	}
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(remoteWriteWait))
	err = c.conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return zero, fmt.Errorf("send %s: %w", kind, err)
	}

	select {
	case msg := <-ch:
		if msg.Type == msgSyncError {
			rerr := &RemoteError{}
			if err := msgpack.Unmarshal(msg.Payload, rerr); err != nil {
				return zero, fmt.Errorf("decode %s error: %w", kind, err)
			}
			return zero, rerr
		}
		var v T
		if err := msgpack.Unmarshal(msg.Payload, &v); err != nil {
			return zero, fmt.Errorf("decode %s response: %w", kind, err)
		}
		return v, nil
	case <-ctx.Done():
		c.forget(id)
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrDisconnected
	}
}

func (c *RemoteClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

type remoteJob struct {
	JobID string `msgpack:"jobId"`
}

type remotePage struct {
	JobID  string `msgpack:"jobId"`
	Offset int    `msgpack:"offset"`
	Limit  int    `msgpack:"limit"`
}

type remoteSuccess struct {
	Success bool `msgpack:"success"`
}

type remoteQueryOptions struct {
	FromTime int64 `msgpack:"fromTime"`
	ToTime   int64 `msgpack:"toTime"`
	Limit    int   `msgpack:"limit"`
	IsForced bool  `msgpack:"isForced"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (c *RemoteClient) RunQuery(ctx context.Context, target orchestrator.Target, text string, opts orchestrator.RunOptions) (string, error) {
	type runQuery struct {
		Instance     string             `msgpack:"instance"`
		Profile      string             `msgpack:"profile"`
		SearchTerm   string             `msgpack:"searchTerm"`
		QueryOptions remoteQueryOptions `msgpack:"queryOptions"`
	}
	resp, err := call[remoteJob](ctx, c, "runQuery", runQuery{
		Instance:   target.Instance,
		Profile:    target.Profile,
		SearchTerm: text,
		QueryOptions: remoteQueryOptions{
			FromTime: millis(opts.From),
			ToTime:   millis(opts.To),
			Limit:    opts.Limit,
			IsForced: opts.Forced,
		},
	})
	return resp.JobID, err
}

// Wait blocks until the task leaves the running state. It re-checks the
// task list on every job update broadcast.
func (c *RemoteClient) Wait(ctx context.Context, id string) (orchestrator.TaskInfo, error) {
	for {
		woken := c.updates.C()
		tasks, err := c.Tasks(ctx)
		if err != nil {
			return orchestrator.TaskInfo{}, err
		}
		i := slices.IndexFunc(tasks, func(t orchestrator.TaskInfo) bool { return t.ID == id })
		if i < 0 {
			return orchestrator.TaskInfo{}, fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, id)
		}
		if tasks[i].Status != orchestrator.StatusRunning {
			return tasks[i], nil
		}
		select {
		case <-woken:
		case <-ctx.Done():
			return orchestrator.TaskInfo{}, ctx.Err()
		case <-c.done:
			return orchestrator.TaskInfo{}, ErrDisconnected
		}
	}
}

func (c *RemoteClient) Cancel(ctx context.Context, id string) error {
	_, err := call[remoteSuccess](ctx, c, "cancelQuery", remoteJob{JobID: id})
	return err
}

func (c *RemoteClient) Release(ctx context.Context, id string) error {
	_, err := call[remoteSuccess](ctx, c, "releaseTaskResources", remoteJob{JobID: id})
	return err
}

func (c *RemoteClient) Reset(ctx context.Context) error {
	_, err := call[remoteSuccess](ctx, c, "resetQueries", nil)
	return err
}

func (c *RemoteClient) Tasks(ctx context.Context) ([]orchestrator.TaskInfo, error) {
	return call[[]orchestrator.TaskInfo](ctx, c, "getTasks", nil)
}

func (c *RemoteClient) Logs(ctx context.Context, id string, offset, limit int) (orchestrator.Page, error) {
	return call[orchestrator.Page](ctx, c, "getLogsPaginated", remotePage{JobID: id, Offset: offset, Limit: limit})
}

func (c *RemoteClient) Table(ctx context.Context, id string, offset, limit int) (orchestrator.TablePage, error) {
	return call[orchestrator.TablePage](ctx, c, "getTableDataPaginated", remotePage{JobID: id, Offset: offset, Limit: limit})
}

func (c *RemoteClient) Closest(ctx context.Context, id string, at time.Time) (orchestrator.ClosestPoint, error) {
	type closest struct {
		JobID   string `msgpack:"jobId"`
		RefDate int64  `msgpack:"refDate"`
	}
	return call[orchestrator.ClosestPoint](ctx, c, "getClosestDateEvent", closest{JobID: id, RefDate: at.UnixMilli()})
}

func (c *RemoteClient) Export(ctx context.Context, id, format string) ([]byte, error) {
	type export struct {
		JobID  string `msgpack:"jobId"`
		Format string `msgpack:"format"`
	}
	type exported struct {
		Data []byte `msgpack:"data"`
	}
	resp, err := call[exported](ctx, c, "exportTableResults", export{JobID: id, Format: format})
	return resp.Data, err
}

func (c *RemoteClient) Instances(ctx context.Context) ([]orchestrator.InstanceInfo, error) {
	return call[[]orchestrator.InstanceInfo](ctx, c, "getInitializedPlugins", nil)
}

func (c *RemoteClient) Profiles(ctx context.Context) (map[string][]string, error) {
	return call[map[string][]string](ctx, c, "getSearchProfiles", nil)
}

func (c *RemoteClient) ControllerParams(ctx context.Context, instance string) (map[string][]string, error) {
	type params struct {
		Instance string `msgpack:"instance"`
	}
	return call[map[string][]string](ctx, c, "getControllerParams", params{Instance: instance})
}

// Close sends a close frame and waits for the server to end the session.
func (c *RemoteClient) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(remoteWriteWait))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(remoteWriteWait):
	}
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return err
}
