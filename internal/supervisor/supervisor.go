// Package supervisor restarts failed venue sessions with exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// Policy is an exponential backoff schedule. Failures counts consecutive
// failed sessions and is reset once a session reaches Live.
type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    5,
	}
}

// Backoff returns the wait before reconnecting after the given number of
// consecutive failures, starting at 1.
func (p Policy) Backoff(failures int) time.Duration {
	delay := p.InitialBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(delay, p.MaxBackoff)
}

// Session is one connect-reconcile lifetime of a venue
type Session interface {
	Run(ctx context.Context) error
	ReachedLive() bool
}

// SessionFactory builds a fresh Session; transports are single use.
type SessionFactory func() (Session, error)

// ReconnectRecorder is notified before every reconnect
type ReconnectRecorder interface {
	RecordReconnect()
}

// Supervisor runs one venue's sessions until the context ends or the
// policy gives up.
type Supervisor struct {
	venue      string
	newSession SessionFactory
	recorder   ReconnectRecorder
	policy     Policy
	logger     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(venue string, newSession SessionFactory, recorder ReconnectRecorder, policy Policy, logger zerolog.Logger) *Supervisor {
	def := DefaultPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = max(def.MaxBackoff, policy.InitialBackoff)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	return &Supervisor{
		venue:      venue,
		newSession: newSession,
		recorder:   recorder,
		policy:     policy,
		logger:     logger.With().Str("venue", venue).Str("component", "supervisor").Logger(),
		sleep:      sleepContext,
	}
}

// Run blocks until ctx is cancelled, returning nil, or until MaxAttempts
// consecutive sessions fail without reaching Live.
func (s *Supervisor) Run(ctx context.Context) error {
	failures := 0
	for {
		session, err := s.newSession()
		if err != nil {
			return fmt.Errorf("%s: create session: %w", s.venue, err)
		}

		err = session.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if session.ReachedLive() {
			failures = 0
		}
		failures++

		if failures >= s.policy.MaxAttempts {
			s.logger.Error().Err(err).Int("attempts", failures).Msg("giving up")
			return fmt.Errorf("%s: %w after %d attempts: %w", s.venue, ErrAttemptsExhausted, failures, err)
		}

		delay := s.policy.Backoff(failures)
		s.logger.Warn().Err(err).Int("attempt", failures).Dur("backoff", delay).Msg("session ended, reconnecting")
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}
		s.recorder.RecordReconnect()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
