package analytics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"rtcsession/internal/core/ports"
)

// HTTPSink POSTs each entry as a JSON body.
type HTTPSink struct {
	url    string
	client *http.Client
}

var _ ports.AnalyticsSink = (*HTTPSink)(nil)

// NewHTTPSink creates a sink posting to url. client may be nil.
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analytics collector returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// RedisSink publishes each entry on a Redis channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

var _ ports.AnalyticsSink = (*RedisSink)(nil)

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Send(ctx context.Context, payload []byte) error {
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish analytics to %s: %w", s.channel, err)
	}
	return nil
}

// NewRedisClient creates the client a RedisSink publishes with and checks
// the connection.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// MultiSink sends each entry to every sink and reports the first failure.
type MultiSink []ports.AnalyticsSink

func (m MultiSink) Send(ctx context.Context, payload []byte) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
