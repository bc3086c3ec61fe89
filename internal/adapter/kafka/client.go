package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// consumer reads a topic from a starting instant.
type consumer interface {
	// Poll returns the next records. It returns no records and a nil error
	// when nothing arrives within the idle timeout.
	Poll(ctx context.Context) ([]*kgo.Record, error)
	// Pause stops fetching partition.
	Pause(partition int32)
	Close()
}

// dialFunc opens a consumer positioned at the first offset at or after from.
type dialFunc func(ctx context.Context, from time.Time) (consumer, error)

type kgoConsumer struct {
	client *kgo.Client
	topic  string
	idle   time.Duration
}

func (c *Config) dial(_ context.Context, from time.Time) (consumer, error) {
	offset := kgo.NewOffset().AtStart()
	if !from.IsZero() {
		offset = kgo.NewOffset().AfterMilli(from.UnixMilli())
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ConsumeTopics(c.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.ClientID(c.ClientID),
	}
	if c.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}
	if c.SASL != nil {
		mech, err := buildSASLMechanism(c.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &kgoConsumer{client: client, topic: c.Topic, idle: c.IdleTimeout}, nil
}

func (c *kgoConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.idle)
	defer cancel()

	fetches := c.client.PollFetches(pollCtx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if fetches.IsClientClosed() {
		return nil, errors.New("kafka client closed")
	}
	for _, e := range fetches.Errors() {
		if errors.Is(e.Err, context.DeadlineExceeded) {
			continue
		}
		return nil, fmt.Errorf("fetch %s[%d]: %w", e.Topic, e.Partition, e.Err)
	}
	return fetches.Records(), nil
}

func (c *kgoConsumer) Pause(partition int32) {
	c.client.PauseFetchPartitions(map[string][]int32{c.topic: {partition}})
}

func (c *kgoConsumer) Close() { c.client.Close() }

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
