// Package session holds the per-user client state: the signed-in
// profile and the active market. All mutation goes through a single
// consumer loop, so state transitions are totally ordered and the
// realtime subscriptions always track the active market.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"logbid/internal/cache"
	"logbid/internal/core"
	apperrors "logbid/pkg/errors"
)

// MarketWatcher is the subset of the realtime bridge the session drives
type MarketWatcher interface {
	Watch(marketID int64)
}

// State is an immutable snapshot of the session
type State struct {
	Profile       core.Profile
	MarketID      int64
	Authenticated bool
	StartedAt     time.Time
}

type commandKind int

const (
	cmdInit commandKind = iota
	cmdSetMarket
	cmdClear
	cmdSnapshot
)

type command struct {
	kind     commandKind
	profile  core.Profile
	marketID int64
	reply    chan State
	err      chan error
}

// Store is the session state container. One consumer goroutine owns the
// state; every accessor funnels through the command channel.
type Store struct {
	cache   core.ICache
	watcher MarketWatcher
	logger  core.ILogger

	commands chan command
	done     chan struct{}
	wg       sync.WaitGroup
	closeOne sync.Once
}

// NewStore creates a session store and starts its consumer loop
func NewStore(c core.ICache, watcher MarketWatcher, logger core.ILogger) *Store {
	s := &Store{
		cache:    c,
		watcher:  watcher,
		logger:   logger.WithField("component", "session"),
		commands: make(chan command, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Init signs a profile into the session and targets its home market
func (s *Store) Init(ctx context.Context, profile core.Profile) error {
	if profile.ID == "" {
		return fmt.Errorf("%w: profile id is required", apperrors.ErrValidation)
	}
	errCh := make(chan error, 1)
	return s.send(ctx, command{kind: cmdInit, profile: profile, err: errCh}, errCh)
}

// SetMarket switches the active market. Market-scoped cache entries are
// dropped and the realtime subscriptions move to the new market.
func (s *Store) SetMarket(ctx context.Context, marketID int64) error {
	if marketID <= 0 {
		return fmt.Errorf("%w: market id must be positive", apperrors.ErrValidation)
	}
	errCh := make(chan error, 1)
	return s.send(ctx, command{kind: cmdSetMarket, marketID: marketID, err: errCh}, errCh)
}

// Clear signs the session out and drops every cached entry
func (s *Store) Clear(ctx context.Context) error {
	errCh := make(chan error, 1)
	return s.send(ctx, command{kind: cmdClear, err: errCh}, errCh)
}

// Snapshot returns the current session state
func (s *Store) Snapshot(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	cmd := command{kind: cmdSnapshot, reply: reply}

	select {
	case s.commands <- cmd:
	case <-s.done:
		return State{}, apperrors.ErrChannelClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}

	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return State{}, apperrors.ErrChannelClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Close stops the consumer loop; pending commands are abandoned
func (s *Store) Close() {
	s.closeOne.Do(func() {
		close(s.done)
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Session store close timed out")
	}
}

func (s *Store) send(ctx context.Context, cmd command, errCh chan error) error {
	select {
	case s.commands <- cmd:
	case <-s.done:
		return apperrors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-s.done:
		return apperrors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run() {
	defer s.wg.Done()

	var state State

	for {
		select {
		case <-s.done:
			return
		case cmd := <-s.commands:
			switch cmd.kind {
			case cmdInit:
				state = State{
					Profile:       cmd.profile,
					MarketID:      cmd.profile.MarketID,
					Authenticated: true,
					StartedAt:     time.Now(),
				}
				if state.MarketID > 0 && s.watcher != nil {
					s.watcher.Watch(state.MarketID)
				}
				s.logger.Info("Session initialized", "user_id", cmd.profile.ID, "market_id", state.MarketID)
				cmd.err <- nil

			case cmdSetMarket:
				if !state.Authenticated {
					cmd.err <- fmt.Errorf("%w: no active session", apperrors.ErrUnauthorized)
					continue
				}
				if state.MarketID == cmd.marketID {
					cmd.err <- nil
					continue
				}
				state.MarketID = cmd.marketID
				s.invalidateMarketScoped()
				if s.watcher != nil {
					s.watcher.Watch(cmd.marketID)
				}
				s.logger.Info("Active market changed", "market_id", cmd.marketID)
				cmd.err <- nil

			case cmdClear:
				state = State{}
				s.invalidateMarketScoped()
				s.cache.Invalidate(cache.KeyNotifications)
				s.logger.Info("Session cleared")
				cmd.err <- nil

			case cmdSnapshot:
				cmd.reply <- state
			}
		}
	}
}

// invalidateMarketScoped drops every prefix whose entries are keyed by
// the active market.
func (s *Store) invalidateMarketScoped() {
	for _, prefix := range []core.Key{
		cache.KeyShipments,
		cache.KeyShipment,
		cache.KeyOffer,
		cache.KeyBidListByMarket,
		cache.KeyAgentOfferedShipments,
		cache.KeyCostMetrics,
		cache.KeySuccessRateMetrics,
		cache.KeyResponseTimeMetrics,
		cache.KeyShipmentStatusMetrics,
		cache.KeyOfferStatistics,
		cache.KeyTopRoutesMetrics,
	} {
		s.cache.Invalidate(prefix)
	}
}
