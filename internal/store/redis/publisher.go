// Package redis is the live fan-out adapter: accepted signals and candle
// closes are published on Redis Pub/Sub channels for downstream consumers
// (dashboards, notifiers). Publishing is best-effort behind a circuit
// breaker; the engine never blocks or fails because Redis is down.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"screener-systemv1/internal/model"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
)

// PublisherConfig configures the Redis publisher.
type PublisherConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher implements model.SignalPublisher over Redis Pub/Sub.
type Publisher struct {
	client  *goredis.Client
	breaker *CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker exposes the circuit breaker for the state gauge.
func (p *Publisher) Breaker() *CircuitBreaker { return p.breaker }

// New connects to Redis and verifies the connection with a ping.
func New(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{
		client:  client,
		breaker: NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout),
	}, nil
}

// PublishSignal publishes a signal on pub:signal:<interval>.
func (p *Publisher) PublishSignal(ctx context.Context, s model.Signal) error {
	channel := "pub:signal:" + string(s.Interval)
	return p.breaker.Execute(func() error {
		return p.client.Publish(ctx, channel, s.JSON()).Err()
	})
}

// PublishKlineClose publishes a closed candle on pub:kline:<interval>:<symbol>.
func (p *Publisher) PublishKlineClose(ctx context.Context, k model.Kline) error {
	channel := "pub:kline:" + string(k.Interval) + ":" + k.Symbol
	return p.breaker.Execute(func() error {
		return p.client.Publish(ctx, channel, k.JSON()).Err()
	})
}

// Close releases the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
