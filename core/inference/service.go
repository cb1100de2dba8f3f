package inference

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/joymesh/joymesh/core/dht"
	"github.com/joymesh/joymesh/core/ledger"
	"github.com/joymesh/joymesh/core/messaging"
	"github.com/joymesh/joymesh/core/peers"
	"github.com/joymesh/joymesh/core/store"
)

// Service coordinates the model-chunk marketplace and federated routing.
type Service struct {
	store     *store.Store
	peers     *peers.Directory
	dht       *dht.Table
	ledger    *ledger.Engine
	messaging *messaging.Service

	runner       Runner
	streamRunner StreamRunner
	minter       ReceiptMinter

	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRunner sets the verified-inference execution collaborator.
func WithRunner(r Runner) Option {
	return func(s *Service) { s.runner = r }
}

// WithStreamRunner sets the streaming execution collaborator.
func WithStreamRunner(r StreamRunner) Option {
	return func(s *Service) { s.streamRunner = r }
}

// WithReceiptMinter sets the receipt minting collaborator.
func WithReceiptMinter(m ReceiptMinter) Option {
	return func(s *Service) { s.minter = m }
}

// NewService creates the inference service over the shared core components.
func NewService(st *store.Store, dir *peers.Directory, table *dht.Table, eng *ledger.Engine, msg *messaging.Service, opts ...Option) *Service {
	s := &Service{
		store:     st,
		peers:     dir,
		dht:       table,
		ledger:    eng,
		messaging: msg,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "inference")
	return s
}
