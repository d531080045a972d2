package reconciler

import (
	"fmt"
	"time"

	"marketbook/internal/exchange"
	"marketbook/internal/metrics"
	"marketbook/internal/orderbook"
	"marketbook/internal/types"
)

// EventKind tags the inputs of the state machine
type EventKind int

const (
	EvConnected EventKind = iota
	EvConnectFailed
	EvSubscriptionAck
	EvAckTimeout
	EvFetchStarted
	EvDiff
	EvSnapshot
	EvSnapshotFailed
	EvDisconnected
	EvTransportError
)

// Event is one input to Machine.Handle. Diff is set for EvDiff, Snapshot
// for EvSnapshot and Err for the failure kinds.
type Event struct {
	Kind       EventKind
	Diff       *exchange.DepthUpdate
	Snapshot   *exchange.Snapshot
	Reason     string
	Err        error
	ReceivedAt time.Time
}

// Action is a side effect the driver must perform after a transition
type Action int

const (
	ActionArmAckTimer Action = iota
	ActionFetchSnapshot
)

// OverflowPolicy decides what happens when the diff buffer is full
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
	FailOnOverflow
)

// Continuity selects the rule for the first diff applied after a snapshot
type Continuity int

const (
	// ContinuityStrict requires FirstUpdateID == last+1
	ContinuityStrict Continuity = iota
	// ContinuityStraddle accepts a first diff with First <= last+1 <= Final
	ContinuityStraddle
)

// ResyncPolicy decides what readers see while a venue resyncs
type ResyncPolicy int

const (
	ServeStale ResyncPolicy = iota
	ClearBook
)

// Options configures a Machine
type Options struct {
	BufferSize     int
	OverflowPolicy OverflowPolicy
	Continuity     Continuity
	ResyncPolicy   ResyncPolicy
	AckTimeout     time.Duration
	FetchTimeout   time.Duration
	Quantizer      types.Quantizer
	OnTransition   func(from, to State)
}

func DefaultOptions() Options {
	return Options{
		BufferSize:   10000,
		AckTimeout:   5 * time.Second,
		FetchTimeout: 10 * time.Second,
		Quantizer:    types.NewQuantizer(types.DefaultPrecision),
	}
}

// Target is what a Machine reconciles into
type Target interface {
	Book() *orderbook.Book
	Metrics() *metrics.VenueMetrics
	SetState(State)
}

// Machine is the per-venue reconciliation state machine. It is driven by a
// single goroutine and is not safe for concurrent use.
type Machine struct {
	opts   Options
	target Target
	now    func() time.Time

	state         State
	last          int64
	buf           []Event
	rebuildReason string
}

func NewMachine(target Target, opts Options) *Machine {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	m := &Machine{
		opts:          opts,
		target:        target,
		now:           time.Now,
		state:         Connecting,
		rebuildReason: metrics.ReasonInitial,
	}
	target.SetState(Connecting)
	return m
}

func (m *Machine) State() State { return m.state }

// LastUpdateID is the sequence marker of the last applied change
func (m *Machine) LastUpdateID() int64 { return m.last }

// Buffered returns the number of queued diffs
func (m *Machine) Buffered() int { return len(m.buf) }

// Release drops the diff buffer
func (m *Machine) Release() { m.buf = nil }

// Handle feeds one event through the transition function. The returned
// error is the cause of a resync or of the move to Failed; callers check
// State to tell them apart.
func (m *Machine) Handle(ev Event) ([]Action, error) {
	if m.state == Failed {
		return nil, nil
	}

	switch ev.Kind {
	case EvDisconnected:
		return nil, m.fail(fmt.Errorf("%w: %s", ErrDisconnected, ev.Reason))
	case EvTransportError:
		return nil, m.fail(fmt.Errorf("%w: %w", ErrDisconnected, ev.Err))
	}

	switch m.state {
	case Connecting:
		switch ev.Kind {
		case EvConnected:
			m.transition(AwaitingSubscriptionAck)
			return []Action{ActionArmAckTimer}, nil
		case EvConnectFailed:
			return nil, m.fail(fmt.Errorf("%w: %w", ErrConnect, ev.Err))
		}

	case AwaitingSubscriptionAck:
		switch ev.Kind {
		case EvSubscriptionAck:
			m.transition(BufferingPreSnapshot)
			return []Action{ActionFetchSnapshot}, nil
		case EvAckTimeout:
			return nil, m.fail(ErrSubscriptionTimeout)
		case EvDiff:
			return nil, m.bufferDiff(ev)
		}

	case BufferingPreSnapshot, FetchingSnapshot, GapDetected, Resyncing:
		switch ev.Kind {
		case EvDiff:
			return nil, m.bufferDiff(ev)
		case EvFetchStarted:
			m.fetchStarted()
		case EvSnapshot:
			return m.reconcile(ev.Snapshot)
		case EvSnapshotFailed:
			return nil, m.fail(fmt.Errorf("%w: %w", ErrSnapshotFetch, ev.Err))
		}

	case Live:
		if ev.Kind == EvDiff {
			return m.applyLive(ev)
		}
	}
	return nil, nil
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.target.SetState(to)
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(from, to)
	}
}

func (m *Machine) fail(err error) error {
	m.buf = nil
	m.target.Book().MarkStale(true)
	m.target.Metrics().MarkStale(true)
	m.transition(Failed)
	return err
}

func (m *Machine) fetchStarted() {
	switch m.state {
	case BufferingPreSnapshot:
		m.transition(FetchingSnapshot)
	case GapDetected:
		if m.opts.ResyncPolicy == ClearBook {
			m.target.Book().Clear()
			m.target.Metrics().ClearPrices()
		}
		m.transition(Resyncing)
	}
}

func (m *Machine) bufferDiff(ev Event) error {
	if len(m.buf) >= m.opts.BufferSize {
		if m.opts.OverflowPolicy == FailOnOverflow {
			return m.fail(fmt.Errorf("%w: %d diffs queued", ErrBufferOverflow, len(m.buf)))
		}
		copy(m.buf, m.buf[1:])
		m.buf = m.buf[:len(m.buf)-1]
		m.target.Metrics().RecordBufferDrop()
	}
	m.buf = append(m.buf, ev)
	return nil
}

// enterGap leaves the live path and asks for a fresh snapshot. The book is
// flagged stale but its levels are left alone until the fetch starts.
func (m *Machine) enterGap(reason string, cause error) ([]Action, error) {
	switch reason {
	case metrics.ReasonCrossed:
		m.target.Metrics().RecordCrossed()
	case metrics.ReasonParse:
		m.target.Metrics().RecordParseError()
	default:
		m.target.Metrics().RecordGap()
	}
	m.rebuildReason = reason
	m.target.Book().MarkStale(true)
	m.target.Metrics().MarkStale(true)
	m.transition(GapDetected)
	return []Action{ActionFetchSnapshot}, cause
}

func (m *Machine) applyLive(ev Event) ([]Action, error) {
	diff := ev.Diff
	if diff.FirstUpdateID != m.last+1 {
		m.buf = append(m.buf, ev)
		return m.enterGap(metrics.ReasonGap, &GapError{Expected: m.last + 1, Got: diff.FirstUpdateID})
	}

	updates, err := m.parseDiff(diff)
	if err != nil {
		return m.enterGap(metrics.ReasonParse, err)
	}
	if crossed := m.apply(ev, updates); crossed {
		return m.enterGap(metrics.ReasonCrossed, ErrCrossedBook)
	}
	m.publishPrices()
	return nil, nil
}

// apply commits one validated diff and reports whether it crossed the book
func (m *Machine) apply(ev Event, updates []orderbook.Update) bool {
	book := m.target.Book()
	book.BatchUpdate(updates)
	m.last = ev.Diff.FinalUpdateID

	var latency time.Duration
	if !ev.ReceivedAt.IsZero() {
		latency = m.now().Sub(ev.ReceivedAt)
	}
	m.target.Metrics().RecordUpdate(latency)
	return book.Crossed()
}

// reconcile applies a snapshot and drains the buffer on top of it
func (m *Machine) reconcile(snap *exchange.Snapshot) ([]Action, error) {
	bids, err := m.parseLevels(snap.Bids, types.Bid)
	if err == nil {
		var asks []types.PriceLevel
		asks, err = m.parseLevels(snap.Asks, types.Ask)
		if err == nil {
			return m.drain(snap.LastUpdateID, bids, asks)
		}
	}
	return nil, m.fail(fmt.Errorf("%w: %w", ErrSnapshotFetch, err))
}

func (m *Machine) drain(marker int64, bids, asks []types.PriceLevel) ([]Action, error) {
	m.transition(Reconciling)

	book := m.target.Book()
	book.ApplySnapshot(bids, asks)
	m.target.Metrics().RecordRebuild(m.rebuildReason)
	m.last = marker
	if book.Crossed() {
		return m.enterGap(metrics.ReasonCrossed, ErrCrossedBook)
	}

	pending := m.buf
	m.buf = nil
	first := true
	for i, ev := range pending {
		diff := ev.Diff
		if diff.FinalUpdateID <= m.last {
			continue
		}
		if !m.continues(diff, first) {
			m.buf = append([]Event(nil), pending[i:]...)
			return m.enterGap(metrics.ReasonGap, &GapError{Expected: m.last + 1, Got: diff.FirstUpdateID})
		}
		first = false

		updates, err := m.parseDiff(diff)
		if err != nil {
			m.buf = append([]Event(nil), pending[i+1:]...)
			return m.enterGap(metrics.ReasonParse, err)
		}
		if crossed := m.apply(ev, updates); crossed {
			m.buf = append([]Event(nil), pending[i+1:]...)
			return m.enterGap(metrics.ReasonCrossed, ErrCrossedBook)
		}
	}

	m.rebuildReason = metrics.ReasonInitial
	m.target.Metrics().MarkStale(false)
	m.publishPrices()
	m.transition(Live)
	return nil, nil
}

func (m *Machine) continues(diff *exchange.DepthUpdate, first bool) bool {
	next := m.last + 1
	if first && m.opts.Continuity == ContinuityStraddle {
		return diff.FirstUpdateID <= next && next <= diff.FinalUpdateID
	}
	return diff.FirstUpdateID == next
}

func (m *Machine) publishPrices() {
	if bid, ask, ok := m.target.Book().BestBidAsk(); ok {
		m.target.Metrics().SetPrices(bid, ask)
		return
	}
	m.target.Metrics().ClearPrices()
}

// parseDiff converts every level before anything touches the book
func (m *Machine) parseDiff(diff *exchange.DepthUpdate) ([]orderbook.Update, error) {
	updates := make([]orderbook.Update, 0, len(diff.Bids)+len(diff.Asks))
	for _, side := range []types.Side{types.Bid, types.Ask} {
		raw := diff.Bids
		if side == types.Ask {
			raw = diff.Asks
		}
		levels, err := m.parseLevels(raw, side)
		if err != nil {
			return nil, err
		}
		for _, l := range levels {
			updates = append(updates, orderbook.Update{Price: l.Price, Quantity: l.Quantity, Side: side})
		}
	}
	return updates, nil
}

func (m *Machine) parseLevels(raw []exchange.PriceLevel, side types.Side) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, r := range raw {
		price, err := m.opts.Quantizer.ParsePrice(r.Price)
		if err != nil {
			return nil, &ParseError{Side: side, Field: "price", Text: r.Price, Err: err}
		}
		qty, err := m.opts.Quantizer.ParseQuantity(r.Quantity)
		if err != nil {
			return nil, &ParseError{Side: side, Field: "quantity", Text: r.Quantity, Err: err}
		}
		levels = append(levels, types.PriceLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
