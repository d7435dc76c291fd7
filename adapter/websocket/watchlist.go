package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	fincharts "github.com/irzhakbasil/fincharts/adapter"
)

// ErrUnknownInstrument is returned when an instrument id has no catalog
// entry. Inbound updates for unknown instruments are dropped silently.
var ErrUnknownInstrument = fmt.Errorf("unknown instrument")

// Sender sends a subscription frame and reports whether it was sent.
// Satisfied by StreamingConnection.
type Sender interface {
	Send(frame fincharts.SubscriptionFrame) bool
}

// EventKind classifies watchlist events.
type EventKind int

const (
	SubscriptionAdded EventKind = iota
	SubscriptionUpdated
	SubscriptionRemoved
)

// Event notifies observers of a watchlist change.
type Event struct {
	Kind         EventKind
	InstrumentID string
}

// ActiveSubscription is one watched instrument: its catalog entry, the
// backfilled minute bars and the latest real-time update.
type ActiveSubscription struct {
	Instrument fincharts.Instrument
	Bars       []fincharts.Bar
	Update     *fincharts.L1Update
}

// pendingActivation tracks an activation whose backfill has not resolved
// yet. Updates arriving in the meantime are held here so the subscription
// commits with the latest one.
type pendingActivation struct {
	instrument fincharts.Instrument
	update     *fincharts.L1Update
}

// Watchlist multiplexes per-instrument subscriptions over one streaming
// connection. Explicit activation sends a subscribe frame and fetches a
// historical backfill; inbound updates for catalog instruments that are not
// yet watched activate them implicitly. Both paths funnel through the same
// pending-then-commit sequence so concurrent activations of one instrument
// produce exactly one subscription.
type Watchlist struct {
	conn      Sender
	fetcher   fincharts.BackfillFetcher
	provider  string
	barsCount int
	logger    *slog.Logger

	mu      sync.Mutex
	catalog map[string]fincharts.Instrument
	active  map[string]*ActiveSubscription
	pending map[string]*pendingActivation
	// outstanding records instrument ids a subscribe frame was actually
	// sent for. Tracked separately from active because the frame send and
	// the backfill both start before either completes.
	outstanding map[string]struct{}
	// sequence numbers outbound frames; advances only on confirmed sends.
	sequence uint64

	events chan Event
}

// NewWatchlist creates a watchlist using the given connection for frames
// and fetcher for backfills.
func NewWatchlist(conn Sender, fetcher fincharts.BackfillFetcher, provider string, barsCount int, logger *slog.Logger) *Watchlist {
	return &Watchlist{
		conn:        conn,
		fetcher:     fetcher,
		provider:    provider,
		barsCount:   barsCount,
		logger:      logger,
		catalog:     make(map[string]fincharts.Instrument),
		active:      make(map[string]*ActiveSubscription),
		pending:     make(map[string]*pendingActivation),
		outstanding: make(map[string]struct{}),
		sequence:    1,
		events:      make(chan Event, 100),
	}
}

// SetCatalog replaces the instrument catalog snapshot used to resolve
// activations and inbound updates.
func (w *Watchlist) SetCatalog(instruments []fincharts.Instrument) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.catalog = make(map[string]fincharts.Instrument, len(instruments))
	for _, inst := range instruments {
		w.catalog[inst.ID] = inst
	}
	w.logger.Info("Catalog updated",
		"function", "SetCatalog",
		"instruments", len(instruments))
}

// Events returns the watchlist change notification channel. Notifications
// never block the watchlist; a full channel drops them.
func (w *Watchlist) Events() <-chan Event {
	return w.events
}

// Activate subscribes to an instrument. It is a no-op when the instrument
// is already watched, an activation is in flight, or a subscribe frame is
// already outstanding for it. The historical backfill and the subscribe
// frame proceed independently: a failed send does not cancel the backfill.
func (w *Watchlist) Activate(ctx context.Context, instrumentID string) error {
	w.mu.Lock()
	if _, ok := w.active[instrumentID]; ok {
		w.mu.Unlock()
		w.logger.Debug("Already watched",
			"function", "Activate",
			"instrument_id", instrumentID)
		return nil
	}
	if _, ok := w.outstanding[instrumentID]; ok {
		w.mu.Unlock()
		w.logger.Debug("Subscribe frame already outstanding",
			"function", "Activate",
			"instrument_id", instrumentID)
		return nil
	}
	if _, ok := w.pending[instrumentID]; ok {
		w.mu.Unlock()
		w.logger.Debug("Activation already in flight",
			"function", "Activate",
			"instrument_id", instrumentID)
		return nil
	}

	inst, ok := w.catalog[instrumentID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, instrumentID)
	}

	w.pending[instrumentID] = &pendingActivation{instrument: inst}
	frame := w.frameLocked(instrumentID, true)
	w.mu.Unlock()

	go w.backfill(ctx, inst)

	if w.conn.Send(frame) {
		w.mu.Lock()
		w.outstanding[instrumentID] = struct{}{}
		w.sequence++
		w.mu.Unlock()
		w.logger.Info("Subscribed",
			"function", "Activate",
			"instrument_id", instrumentID,
			"frame_id", frame.ID)
	} else {
		w.logger.Warn("Subscribe frame not sent",
			"function", "Activate",
			"instrument_id", instrumentID)
	}
	return nil
}

// Deactivate unsubscribes from an instrument. The outstanding-frame record
// is always cleared, but the active subscription is removed only when the
// unsubscribe frame was confirmed sent; otherwise local state keeps the
// instrument watched. Returns whether the frame was sent.
func (w *Watchlist) Deactivate(instrumentID string) bool {
	w.mu.Lock()
	delete(w.outstanding, instrumentID)
	frame := w.frameLocked(instrumentID, false)
	w.mu.Unlock()

	if !w.conn.Send(frame) {
		w.logger.Warn("Unsubscribe frame not sent, subscription kept",
			"function", "Deactivate",
			"instrument_id", instrumentID)
		return false
	}

	w.mu.Lock()
	w.sequence++
	_, wasActive := w.active[instrumentID]
	delete(w.active, instrumentID)
	delete(w.pending, instrumentID)
	w.mu.Unlock()

	if wasActive {
		w.emit(Event{Kind: SubscriptionRemoved, InstrumentID: instrumentID})
	}
	w.logger.Info("Unsubscribed",
		"function", "Deactivate",
		"instrument_id", instrumentID,
		"frame_id", frame.ID)
	return true
}

// Run consumes the inbound message stream until the context is cancelled or
// the channel closes, routing l1-update messages into the watchlist.
func (w *Watchlist) Run(ctx context.Context, messages <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Update != nil {
				w.HandleUpdate(msg.Update)
			} else {
				w.logger.Debug("Ignoring non-update message",
					"function", "Run",
					"message_type", msg.Type)
			}
		}
	}
}

// HandleUpdate routes one inbound update. Known watched instruments get the
// update merged in; known unwatched instruments are activated implicitly
// (without a subscribe frame, since the server is already pushing them);
// unknown instruments are dropped.
func (w *Watchlist) HandleUpdate(update *fincharts.L1Update) {
	id := update.InstrumentID

	w.mu.Lock()
	if sub, ok := w.active[id]; ok {
		sub.Update = update
		w.mu.Unlock()
		w.emit(Event{Kind: SubscriptionUpdated, InstrumentID: id})
		return
	}
	if p, ok := w.pending[id]; ok {
		// Backfill in flight; the commit picks this update up.
		p.update = update
		w.mu.Unlock()
		return
	}

	inst, ok := w.catalog[id]
	if !ok {
		w.mu.Unlock()
		w.logger.Debug("Update for unknown instrument dropped",
			"function", "HandleUpdate",
			"instrument_id", id)
		return
	}

	w.pending[id] = &pendingActivation{instrument: inst, update: update}
	w.mu.Unlock()

	w.logger.Info("Implicit activation",
		"function", "HandleUpdate",
		"instrument_id", id)
	go w.backfill(context.Background(), inst)
}

// Subscriptions returns a snapshot of the active subscriptions.
func (w *Watchlist) Subscriptions() map[string]ActiveSubscription {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := make(map[string]ActiveSubscription, len(w.active))
	for id, sub := range w.active {
		result[id] = *sub
	}
	return result
}

// Subscription returns a snapshot of one active subscription.
func (w *Watchlist) Subscription(instrumentID string) (ActiveSubscription, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.active[instrumentID]
	if !ok {
		return ActiveSubscription{}, false
	}
	return *sub, true
}

// backfill fetches the historical bars for a pending activation and commits
// the subscription. The commit is conditional: it only happens while the
// activation is still pending and no subscription exists yet, so concurrent
// paths insert exactly once and a deactivation that raced ahead of the
// fetch discards the late result instead of resurrecting the instrument.
// A failed fetch degrades to an empty bar list plus a synthetic zero-price
// placeholder update so the subscription still materializes.
func (w *Watchlist) backfill(ctx context.Context, inst fincharts.Instrument) {
	bars, err := w.fetcher.GetHistoricalBars(ctx, inst.ID, w.provider, w.barsCount)
	if err != nil {
		w.logger.Warn("Historical backfill failed",
			"function", "backfill",
			"instrument_id", inst.ID,
			"error", err)
		bars = nil
	}

	w.mu.Lock()
	p, ok := w.pending[inst.ID]
	if !ok {
		w.mu.Unlock()
		w.logger.Debug("Backfill result discarded, activation no longer pending",
			"function", "backfill",
			"instrument_id", inst.ID)
		return
	}
	delete(w.pending, inst.ID)

	if _, exists := w.active[inst.ID]; exists {
		w.mu.Unlock()
		return
	}

	update := p.update
	if update == nil && err != nil {
		update = placeholderUpdate(inst.ID, w.provider)
	}

	w.active[inst.ID] = &ActiveSubscription{
		Instrument: p.instrument,
		Bars:       bars,
		Update:     update,
	}
	w.mu.Unlock()

	w.emit(Event{Kind: SubscriptionAdded, InstrumentID: inst.ID})
	w.logger.Info("Subscription committed",
		"function", "backfill",
		"instrument_id", inst.ID,
		"bars", len(bars))
}

// frameLocked builds an outbound frame with the current sequence number;
// callers must hold w.mu. The sequence advances separately, only after the
// frame is confirmed sent.
func (w *Watchlist) frameLocked(instrumentID string, subscribe bool) fincharts.SubscriptionFrame {
	id := strconv.FormatUint(w.sequence, 10)
	return fincharts.NewSubscriptionFrame(id, instrumentID, w.provider, subscribe)
}

// placeholderUpdate is the synthetic update a subscription starts with when
// its backfill failed and no real update has arrived yet.
func placeholderUpdate(instrumentID, provider string) *fincharts.L1Update {
	return &fincharts.L1Update{
		Type:         fincharts.MessageTypeL1Update,
		InstrumentID: instrumentID,
		Provider:     provider,
		Bid: &fincharts.Quote{
			Timestamp: time.Now().UTC(),
			Price:     0,
			Volume:    0,
		},
	}
}

// emit sends a watchlist event without blocking.
func (w *Watchlist) emit(event Event) {
	select {
	case w.events <- event:
	default:
		w.logger.Warn("Event channel full, event dropped",
			"function", "emit",
			"instrument_id", event.InstrumentID)
	}
}
