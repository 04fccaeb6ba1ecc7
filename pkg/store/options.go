package store

import (
	"log/slog"
	"time"

	"chronodb/pkg/codec"
	"chronodb/pkg/commit"
	"chronodb/pkg/conflict"
	"chronodb/pkg/index"
	"chronodb/pkg/metrics"
)

type iTimeProvider interface {
	Now() time.Time
}

type options struct {
	tp       iTimeProvider
	faults   commit.FaultInjector
	logger   *slog.Logger
	metrics  metrics.Collector
	registry *codec.Registry
	indexers map[string][]index.Indexer
}

type Option func(*options)

// WithTimeProvider sets the wall clock commit timestamps are taken from.
func WithTimeProvider(tp iTimeProvider) Option {
	return func(o *options) { o.tp = tp }
}

func WithFaultInjector(f commit.FaultInjector) Option {
	return func(o *options) { o.faults = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry sets the value codec. Types stored in the store must be
// registered on it before Open.
func WithRegistry(r *codec.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithIndexer installs a secondary indexer at open. Unlike AddIndexer it
// does not rebuild existing indexes, except those found damaged.
func WithIndexer(name string, ix index.Indexer) Option {
	return func(o *options) {
		if o.indexers == nil {
			o.indexers = make(map[string][]index.Indexer)
		}
		o.indexers[name] = append(o.indexers[name], ix)
	}
}

type txOptions struct {
	strategy conflict.Strategy
	blind    bool
}

type TxOption func(*txOptions)

// WithConflictStrategy overrides the store's default conflict strategy.
func WithConflictStrategy(s conflict.Strategy) TxOption {
	return func(o *txOptions) { o.strategy = s }
}

// WithBlindOverwriteProtection refuses the commit if any written key was
// changed after the transaction's timestamp, whatever the strategy.
func WithBlindOverwriteProtection(on bool) TxOption {
	return func(o *txOptions) { o.blind = on }
}
