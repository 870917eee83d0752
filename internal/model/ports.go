package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the engine from the concrete persistence
// transport. All calls are synchronous and may block the calling goroutine
// only; the executor keeps them off the event-bus delivery path.

// TraderStore loads trader records. Called at startup and by the registry's
// deletion watcher.
type TraderStore interface {
	// ListActiveTraders returns all enabled traders across owners.
	ListActiveTraders(ctx context.Context) ([]Trader, error)

	// GetTrader returns a single trader by id, nil if it does not exist.
	GetTrader(ctx context.Context, id string) (*Trader, error)

	// HealthCheck is a cheap liveness probe.
	HealthCheck(ctx context.Context) error
}

// SignalStore persists produced signals with at-least-once semantics;
// idempotency is enforced by the (trader, symbol, interval, timestamp)
// dedup key.
type SignalStore interface {
	// InsertSignal writes one signal.
	InsertSignal(ctx context.Context, s Signal) error

	// InsertSignals writes a batch in a single transaction. Preferred.
	InsertSignals(ctx context.Context, batch []Signal) error
}

// SignalPublisher pushes accepted signals to a live fan-out channel
// (Redis Pub/Sub). Best-effort: failures are counted, never propagated.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, s Signal) error
}
