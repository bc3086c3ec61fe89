package docker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// containerInfo holds metadata about a Docker container.
type containerInfo struct {
	ID     string
	Name   string
	Image  string
	Status string
}

// dockerClient abstracts the Docker Engine API calls the provider needs.
type dockerClient interface {
	ContainerList(ctx context.Context) ([]containerInfo, error)
	// ContainerLogs returns the log stream for [since, until] and whether the
	// container runs with a TTY (raw stream instead of multiplexed frames).
	ContainerLogs(ctx context.Context, id string, since, until time.Time, stdout, stderr bool) (io.ReadCloser, bool, error)
}

// sdkDockerClient implements dockerClient using the official Docker SDK.
type sdkDockerClient struct {
	cli *dockerclient.Client
}

// newSDKDockerClient creates a Docker client for host. TCP hosts use TLS
// when tlsCfg is non-nil.
func newSDKDockerClient(host string, tlsCfg *clientTLSConfig) (*sdkDockerClient, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	}

	if tlsCfg != nil && strings.HasPrefix(host, "tcp://") {
		tc, err := buildTLSConfig(tlsCfg)
		if err != nil {
			return nil, err
		}
		httpClient := &http.Client{
			Transport: &http.Transport{TLSClientConfig: tc},
		}
		opts = append(opts, dockerclient.WithHTTPClient(httpClient), dockerclient.WithScheme("https"))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &sdkDockerClient{cli: cli}, nil
}

func (c *sdkDockerClient) ContainerList(ctx context.Context) ([]containerInfo, error) {
	raw, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	containers := make([]containerInfo, len(raw))
	for i, r := range raw {
		name := ""
		if len(r.Names) > 0 {
			name = strings.TrimPrefix(r.Names[0], "/")
		}
		containers[i] = containerInfo{
			ID:     r.ID,
			Name:   name,
			Image:  r.Image,
			Status: r.State,
		}
	}
	return containers, nil
}

func (c *sdkDockerClient) ContainerLogs(ctx context.Context, id string, since, until time.Time, stdout, stderr bool) (io.ReadCloser, bool, error) {
	// The SDK doesn't expose the Content-Type header that indicates TTY mode,
	// so we inspect the container first to determine the stream format.
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("inspect for logs: %w", err)
	}
	isTTY := info.Config != nil && info.Config.Tty

	opts := container.LogsOptions{
		ShowStdout: stdout,
		ShowStderr: stderr,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = dockerTime(since)
	}
	if !until.IsZero() {
		opts.Until = dockerTime(until)
	}

	body, err := c.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, false, fmt.Errorf("container logs: %w", err)
	}
	return body, isTTY, nil
}

func dockerTime(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

// clientTLSConfig holds TLS material for a TCP Docker daemon, as file paths.
type clientTLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
	Verify   bool
}

func buildTLSConfig(cfg *clientTLSConfig) (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: !cfg.Verify, //nolint:gosec // G402: user-configurable TLS verification for Docker daemon connections
	}

	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("CA file contains no valid certificates")
		}
		tc.RootCAs = pool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("tls_cert and tls_key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert/key: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
