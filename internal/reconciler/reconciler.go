// Package reconciler rebuilds a venue's order book from a snapshot plus a
// stream of sequenced diffs, resyncing whenever the chain breaks.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"marketbook/internal/exchange"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Reconciler drives a Machine for one session of one venue. A session ends
// when the Machine fails or the context is cancelled; reconnecting is the
// caller's job.
type Reconciler struct {
	exchange exchange.Exchange
	target   Target
	limiter  *rate.Limiter
	logger   zerolog.Logger
	opts     Options

	reachedLive atomic.Bool
}

type fetchResult struct {
	gen      int
	snapshot *exchange.Snapshot
	err      error
}

// New creates a Reconciler. limiter gates snapshot fetches and may be nil.
func New(ex exchange.Exchange, target Target, limiter *rate.Limiter, logger zerolog.Logger, opts Options) *Reconciler {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultOptions().AckTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultOptions().FetchTimeout
	}
	return &Reconciler{
		exchange: ex,
		target:   target,
		limiter:  limiter,
		logger:   logger.With().Str("venue", string(ex.GetName())).Str("component", "reconciler").Logger(),
		opts:     opts,
	}
}

// ReachedLive reports whether the last Run got the book to Live at least once
func (r *Reconciler) ReachedLive() bool {
	return r.reachedLive.Load()
}

// Run connects and reconciles until the session fails or ctx is done. The
// returned error is the terminal cause.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	r.reachedLive.Store(false)
	session := r.target.Metrics().NewSession()
	logger := r.logger.With().Str("session", session).Logger()

	opts := r.opts
	userHook := opts.OnTransition
	opts.OnTransition = func(from, to State) {
		if to == Live {
			r.reachedLive.Store(true)
		}
		logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition")
		if userHook != nil {
			userHook(from, to)
		}
	}
	machine := NewMachine(r.target, opts)

	var (
		fetches    sync.WaitGroup
		ackTimer   *time.Timer
		ackTimeout <-chan time.Time
		fetchGen   int
	)
	started := make(chan int, 1)
	results := make(chan fetchResult, 1)

	defer func() {
		cancel()
		if ackTimer != nil {
			ackTimer.Stop()
		}
		if err := r.exchange.Close(); err != nil {
			logger.Debug().Err(err).Msg("close transport")
		}
		health := r.exchange.Health()
		logger.Info().
			Int64("messages", health.MessageCount).
			Int64("transport_errors", health.ErrorCount).
			Stringer("state", machine.State()).
			Msg("session ended")
		fetches.Wait()
		machine.Release()
		r.target.Book().MarkStale(true)
		r.target.Metrics().MarkStale(true)
	}()

	perform := func(actions []Action) {
		for _, action := range actions {
			switch action {
			case ActionArmAckTimer:
				ackTimer = time.NewTimer(opts.AckTimeout)
				ackTimeout = ackTimer.C
			case ActionFetchSnapshot:
				fetchGen++
				fetches.Add(1)
				go r.fetch(ctx, fetchGen, &fetches, started, results)
			}
		}
	}

	logger.Info().Msg("connecting")
	if err := r.exchange.Connect(ctx); err != nil {
		_, err = machine.Handle(Event{Kind: EvConnectFailed, Err: err})
		return err
	}
	actions, _ := machine.Handle(Event{Kind: EvConnected})
	perform(actions)

	events := r.exchange.Events()
	for {
		var (
			actions []Action
			err     error
		)

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ackTimeout:
			ackTimeout = nil
			actions, err = machine.Handle(Event{Kind: EvAckTimeout})

		case gen := <-started:
			if gen != fetchGen {
				continue
			}
			actions, err = machine.Handle(Event{Kind: EvFetchStarted})

		case res := <-results:
			if res.gen != fetchGen {
				continue
			}
			if res.err != nil {
				actions, err = machine.Handle(Event{Kind: EvSnapshotFailed, Err: res.err})
			} else {
				actions, err = machine.Handle(Event{Kind: EvSnapshot, Snapshot: res.snapshot})
			}

		case ev, ok := <-events:
			if !ok {
				actions, err = machine.Handle(Event{Kind: EvDisconnected, Reason: "event stream closed"})
				break
			}
			actions, err = machine.Handle(translate(ev))
		}

		if err != nil {
			if machine.State() == Failed {
				logger.Error().Err(err).Msg("session failed")
				return err
			}
			logger.Warn().Err(err).Int64("last_update_id", machine.LastUpdateID()).Msg("resyncing")
		}
		perform(actions)
	}
}

func (r *Reconciler) fetch(ctx context.Context, gen int, wg *sync.WaitGroup, started chan<- int, results chan<- fetchResult) {
	defer wg.Done()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			deliver(ctx, results, fetchResult{gen: gen, err: err})
			return
		}
	}
	select {
	case started <- gen:
	case <-ctx.Done():
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()
	snap, err := r.exchange.GetSnapshot(fetchCtx)
	if err == nil && snap == nil {
		err = errors.New("empty snapshot")
	}
	deliver(ctx, results, fetchResult{gen: gen, snapshot: snap, err: err})
}

func deliver(ctx context.Context, results chan<- fetchResult, res fetchResult) {
	select {
	case results <- res:
	case <-ctx.Done():
	}
}

func translate(ev exchange.Event) Event {
	switch ev.Kind {
	case exchange.EventSubscribed:
		return Event{Kind: EvSubscriptionAck, ReceivedAt: ev.ReceivedAt}
	case exchange.EventDepthUpdate:
		return Event{Kind: EvDiff, Diff: ev.Update, ReceivedAt: ev.ReceivedAt}
	case exchange.EventDisconnected:
		return Event{Kind: EvDisconnected, Reason: ev.Reason}
	default:
		return Event{Kind: EvTransportError, Err: ev.Err}
	}
}
