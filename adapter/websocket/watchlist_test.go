package websocket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fincharts "github.com/irzhakbasil/fincharts/adapter"
)

// fakeSender records outbound frames and reports a configurable send result.
type fakeSender struct {
	mu     sync.Mutex
	frames []fincharts.SubscriptionFrame
	fail   bool
}

func (f *fakeSender) Send(frame fincharts.SubscriptionFrame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return !f.fail
}

func (f *fakeSender) sentFrames() []fincharts.SubscriptionFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fincharts.SubscriptionFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

// fakeFetcher serves canned bars, optionally blocking until released.
type fakeFetcher struct {
	mu      sync.Mutex
	bars    []fincharts.Bar
	err     error
	calls   int
	release chan struct{}
}

func (f *fakeFetcher) GetHistoricalBars(ctx context.Context, instrumentID, provider string, barsCount int) ([]fincharts.Bar, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	bars, err := f.bars, f.err
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	return bars, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testInstruments = []fincharts.Instrument{
	{ID: "inst-1", Symbol: "EUR/USD", Kind: "forex"},
	{ID: "inst-2", Symbol: "GBP/USD", Kind: "forex"},
	{ID: "inst-3", Symbol: "XAU/USD", Kind: "metals"},
}

func newTestWatchlist(sender *fakeSender, fetcher *fakeFetcher) *Watchlist {
	w := NewWatchlist(sender, fetcher, "oanda", 10, testLogger())
	w.SetCatalog(testInstruments)
	return w
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestWatchlistActivate(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{bars: []fincharts.Bar{{Close: 1.0860}, {Close: 1.0861}}}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))

	ev := waitEvent(t, events, SubscriptionAdded)
	assert.Equal(t, "inst-1", ev.InstrumentID)

	frames := sender.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, fincharts.MessageTypeL1Subscription, frames[0].Type)
	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, "inst-1", frames[0].InstrumentID)
	assert.Equal(t, "oanda", frames[0].Provider)
	assert.True(t, frames[0].Subscribe)

	sub, ok := w.Subscription("inst-1")
	require.True(t, ok)
	assert.Equal(t, "EUR/USD", sub.Instrument.Symbol)
	assert.Len(t, sub.Bars, 2)
	assert.Nil(t, sub.Update)
}

func TestWatchlistActivateIdempotent(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	waitEvent(t, events, SubscriptionAdded)
	require.NoError(t, w.Activate(context.Background(), "inst-1"))

	assert.Len(t, sender.sentFrames(), 1)
	assert.Equal(t, 1, fetcher.callCount())
	assert.Len(t, w.Subscriptions(), 1)
}

func TestWatchlistActivateUnknownInstrument(t *testing.T) {
	sender := &fakeSender{}
	w := newTestWatchlist(sender, &fakeFetcher{})

	err := w.Activate(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownInstrument))
	assert.Empty(t, sender.sentFrames())
}

func TestWatchlistActivateSendFailureStillCommits(t *testing.T) {
	sender := &fakeSender{fail: true}
	fetcher := &fakeFetcher{bars: []fincharts.Bar{{Close: 1.0860}}}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))

	// The backfill proceeds even though the frame never went out.
	waitEvent(t, events, SubscriptionAdded)
	_, ok := w.Subscription("inst-1")
	assert.True(t, ok)
}

func TestWatchlistBackfillFailurePlaceholder(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{err: errors.New("bars endpoint down")}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	waitEvent(t, events, SubscriptionAdded)

	sub, ok := w.Subscription("inst-1")
	require.True(t, ok)
	assert.Empty(t, sub.Bars)

	// A synthetic zero-price update stands in until real data arrives.
	require.NotNil(t, sub.Update)
	require.NotNil(t, sub.Update.Bid)
	assert.Equal(t, float64(0), sub.Update.Bid.Price)
	assert.False(t, sub.Update.Bid.Timestamp.IsZero())
}

func TestWatchlistUpdateDuringBackfill(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{release: make(chan struct{})}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))

	// An update arriving while the backfill is in flight must survive the
	// commit rather than being lost.
	update := &fincharts.L1Update{
		InstrumentID: "inst-1",
		Bid:          &fincharts.Quote{Price: 1.0855},
	}
	w.HandleUpdate(update)

	close(fetcher.release)
	waitEvent(t, events, SubscriptionAdded)

	sub, ok := w.Subscription("inst-1")
	require.True(t, ok)
	require.NotNil(t, sub.Update)
	assert.Equal(t, 1.0855, sub.Update.Bid.Price)
}

func TestWatchlistImplicitActivation(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{bars: []fincharts.Bar{{Close: 1.2500}}}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	update := &fincharts.L1Update{
		InstrumentID: "inst-2",
		Last:         &fincharts.Quote{Price: 1.2501},
	}
	w.HandleUpdate(update)

	waitEvent(t, events, SubscriptionAdded)

	// The server already pushes this instrument, so no frame goes out.
	assert.Empty(t, sender.sentFrames())

	sub, ok := w.Subscription("inst-2")
	require.True(t, ok)
	assert.Equal(t, "GBP/USD", sub.Instrument.Symbol)
	require.NotNil(t, sub.Update)
	assert.Equal(t, 1.2501, sub.Update.Last.Price)
}

func TestWatchlistUnknownUpdateDropped(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)

	w.HandleUpdate(&fincharts.L1Update{InstrumentID: "nope"})

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fetcher.callCount())
	assert.Empty(t, w.Subscriptions())
}

func TestWatchlistUpdateMergesIntoActive(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	waitEvent(t, events, SubscriptionAdded)

	update := &fincharts.L1Update{
		InstrumentID: "inst-1",
		Ask:          &fincharts.Quote{Price: 1.0853},
	}
	w.HandleUpdate(update)

	ev := waitEvent(t, events, SubscriptionUpdated)
	assert.Equal(t, "inst-1", ev.InstrumentID)

	sub, _ := w.Subscription("inst-1")
	require.NotNil(t, sub.Update)
	assert.Equal(t, 1.0853, sub.Update.Ask.Price)
}

func TestWatchlistDeactivate(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	waitEvent(t, events, SubscriptionAdded)

	assert.True(t, w.Deactivate("inst-1"))

	ev := waitEvent(t, events, SubscriptionRemoved)
	assert.Equal(t, "inst-1", ev.InstrumentID)

	frames := sender.sentFrames()
	require.Len(t, frames, 2)
	assert.False(t, frames[1].Subscribe)
	assert.Equal(t, "inst-1", frames[1].InstrumentID)

	_, ok := w.Subscription("inst-1")
	assert.False(t, ok)
}

func TestWatchlistDeactivateSendFailureKeepsSubscription(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	waitEvent(t, events, SubscriptionAdded)

	sender.setFail(true)
	assert.False(t, w.Deactivate("inst-1"))

	_, ok := w.Subscription("inst-1")
	assert.True(t, ok)
}

func TestWatchlistDeactivateBeforeBackfillCommit(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{release: make(chan struct{})}
	w := newTestWatchlist(sender, fetcher)

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	assert.True(t, w.Deactivate("inst-1"))

	// The late backfill result must not resurrect the subscription.
	close(fetcher.release)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, w.Subscriptions())
}

func TestWatchlistFrameSequence(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	waitEvent(t, events, SubscriptionAdded)
	require.NoError(t, w.Activate(context.Background(), "inst-2"))
	waitEvent(t, events, SubscriptionAdded)
	require.NoError(t, w.Activate(context.Background(), "inst-3"))
	waitEvent(t, events, SubscriptionAdded)

	frames := sender.sentFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, "2", frames[1].ID)
	assert.Equal(t, "3", frames[2].ID)
}

func TestWatchlistFailedSendDoesNotAdvanceSequence(t *testing.T) {
	sender := &fakeSender{fail: true}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	require.NoError(t, w.Activate(context.Background(), "inst-1"))
	waitEvent(t, events, SubscriptionAdded)

	sender.setFail(false)
	require.NoError(t, w.Activate(context.Background(), "inst-2"))
	waitEvent(t, events, SubscriptionAdded)

	frames := sender.sentFrames()
	require.Len(t, frames, 2)
	// The dropped frame's sequence number is reused.
	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, "1", frames[1].ID)
}

func TestWatchlistRun(t *testing.T) {
	sender := &fakeSender{}
	fetcher := &fakeFetcher{}
	w := newTestWatchlist(sender, fetcher)
	events := w.Events()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := make(chan Message, 1)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, messages)
		close(done)
	}()

	messages <- Message{
		Type: fincharts.MessageTypeL1Update,
		Update: &fincharts.L1Update{
			InstrumentID: "inst-1",
			Last:         &fincharts.Quote{Price: 1.0860},
		},
	}

	waitEvent(t, events, SubscriptionAdded)
	_, ok := w.Subscription("inst-1")
	assert.True(t, ok)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
