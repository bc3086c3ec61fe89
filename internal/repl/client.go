package repl

import (
	"bytes"
	"context"
	"time"

	"cruncher/internal/orchestrator"
)

// Client abstracts the backend operations the REPL needs. The REPL works
// against either an in-process orchestrator or a remote server reached over
// its websocket protocol.
type Client interface {
	RunQuery(ctx context.Context, target orchestrator.Target, text string, opts orchestrator.RunOptions) (string, error)
	Wait(ctx context.Context, id string) (orchestrator.TaskInfo, error)
	Cancel(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	Reset(ctx context.Context) error
	Tasks(ctx context.Context) ([]orchestrator.TaskInfo, error)

	Logs(ctx context.Context, id string, offset, limit int) (orchestrator.Page, error)
	Table(ctx context.Context, id string, offset, limit int) (orchestrator.TablePage, error)
	Closest(ctx context.Context, id string, at time.Time) (orchestrator.ClosestPoint, error)
	Export(ctx context.Context, id, format string) ([]byte, error)

	Instances(ctx context.Context) ([]orchestrator.InstanceInfo, error)
	Profiles(ctx context.Context) (map[string][]string, error)
	ControllerParams(ctx context.Context, instance string) (map[string][]string, error)

	Close() error
}

// EmbeddedClient calls an in-process orchestrator directly.
type EmbeddedClient struct {
	orch *orchestrator.Orchestrator
}

var _ Client = (*EmbeddedClient)(nil)

// NewEmbeddedClient wraps orch. Closing the client does not close orch.
func NewEmbeddedClient(orch *orchestrator.Orchestrator) *EmbeddedClient {
	return &EmbeddedClient{orch: orch}
}

func (c *EmbeddedClient) RunQuery(ctx context.Context, target orchestrator.Target, text string, opts orchestrator.RunOptions) (string, error) {
	t, err := c.orch.RunQuery(ctx, target, text, opts)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

func (c *EmbeddedClient) Wait(ctx context.Context, id string) (orchestrator.TaskInfo, error) {
	return c.orch.WaitFinished(ctx, id)
}

func (c *EmbeddedClient) Cancel(_ context.Context, id string) error {
	return c.orch.CancelQuery(id)
}

func (c *EmbeddedClient) Release(_ context.Context, id string) error {
	return c.orch.ReleaseTaskResources(id)
}

func (c *EmbeddedClient) Reset(context.Context) error {
	c.orch.ResetQueries()
	return nil
}

func (c *EmbeddedClient) Tasks(context.Context) ([]orchestrator.TaskInfo, error) {
	return c.orch.Tasks(), nil
}

func (c *EmbeddedClient) Logs(_ context.Context, id string, offset, limit int) (orchestrator.Page, error) {
	return c.orch.GetLogsPaginated(id, offset, limit)
}

func (c *EmbeddedClient) Table(_ context.Context, id string, offset, limit int) (orchestrator.TablePage, error) {
	return c.orch.GetTableDataPaginated(id, offset, limit)
}

func (c *EmbeddedClient) Closest(_ context.Context, id string, at time.Time) (orchestrator.ClosestPoint, error) {
	return c.orch.GetClosestDateEvent(id, at)
}

func (c *EmbeddedClient) Export(_ context.Context, id, format string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.orch.ExportTableResults(&buf, id, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *EmbeddedClient) Instances(context.Context) ([]orchestrator.InstanceInfo, error) {
	return c.orch.Instances(), nil
}

func (c *EmbeddedClient) Profiles(context.Context) (map[string][]string, error) {
	return c.orch.Profiles(), nil
}

func (c *EmbeddedClient) ControllerParams(ctx context.Context, instance string) (map[string][]string, error) {
	return c.orch.GetControllerParams(ctx, instance)
}

func (c *EmbeddedClient) Close() error { return nil }
