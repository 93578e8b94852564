// Package pulseclient is a thin photonctl-specific wrapper around Pulse
// streams, adapted from the teacher's
// features/stream/pulse/clients/pulse/client.go: callers build a Redis
// client, pass it to New, and receive a typed interface exposing only the
// stream operations the subscription manager's Pulse backend needs.
package pulseclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs the subscription manager's
	// Pulse backend needs.
	Client interface {
		Stream(name string) (Stream, error)
		Close(ctx context.Context) error
	}

	// Stream exposes publish and consumer-group creation for one Pulse stream.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string) (Sink, error)
	}

	// Sink mirrors a Pulse consumer group.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the given Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{sink}, nil
}

type sinkAdapter struct{ *streaming.Sink }

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
