package availability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rentsync/internal/transport"
	"rentsync/pkg/clock"
	apperrors "rentsync/pkg/errors"
	"rentsync/pkg/event"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
)

// ──────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────

type mockFetcher struct {
	mu        sync.Mutex
	calls     int
	fetchFunc func(ctx context.Context, resourceID string) (model.AvailabilityState, error)
}

func (m *mockFetcher) FetchAvailability(ctx context.Context, resourceID string) (model.AvailabilityState, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fetchFunc(ctx, resourceID)
}

func (m *mockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockChannel struct {
	mu           sync.Mutex
	state        transport.State
	subscribed   map[string]int
	unsubscribed map[string]int
	frames       *event.Bus[model.Frame]
	states       *event.Bus[transport.StateChange]
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		state:        transport.Connected,
		subscribed:   make(map[string]int),
		unsubscribed: make(map[string]int),
		frames:       event.NewBus[model.Frame](nil),
		states:       event.NewBus[transport.StateChange](nil),
	}
}

func (m *mockChannel) SubscribeResource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed[id]++
	return nil
}

func (m *mockChannel) UnsubscribeResource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed[id]++
}

func (m *mockChannel) On(eventType string, handler func(model.Frame)) *event.Subscription {
	return m.frames.Subscribe(eventType, handler)
}

func (m *mockChannel) OnStateChange(handler func(transport.StateChange)) *event.Subscription {
	return m.states.Subscribe("state", handler)
}

func (m *mockChannel) State() transport.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockChannel) transition(to transport.State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	m.states.Publish("state", transport.StateChange{From: from, To: to})
}

func (m *mockChannel) emitPatch(t *testing.T, patch model.AvailabilityPatch) {
	t.Helper()
	frame, err := model.NewFrame(model.EventAvailabilityUpdated, patch.ResourceID, patch)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	m.frames.Publish(frame.Type, frame)
}

func dates(values ...string) []model.Date {
	out := make([]model.Date, len(values))
	for i, v := range values {
		out[i] = model.MustParseDate(v)
	}
	return out
}

func veh1State(version int64, unavailable ...string) model.AvailabilityState {
	return model.AvailabilityState{
		ResourceID:       "veh-1",
		IsAvailable:      true,
		Status:           model.StatusActive,
		UnavailableDates: dates(unavailable...),
		Version:          version,
	}
}

func staticFetcher(state model.AvailabilityState) *mockFetcher {
	return &mockFetcher{fetchFunc: func(context.Context, string) (model.AvailabilityState, error) {
		return state, nil
	}}
}

func newTestCache(f Fetcher, ch Channel) (*Cache, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	return NewCache(DefaultConfig(), f, ch, clk, logger.Discard()), clk
}

func assertDates(t *testing.T, got []model.Date, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, model.FormatDates(got))
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// ──────────────────────────────────────────────────────────────
// ApplyPatch
// ──────────────────────────────────────────────────────────────

func TestApplyPatch_UnknownResourceIsNoop(t *testing.T) {
	cache, _ := newTestCache(staticFetcher(veh1State(1)), nil)

	if cache.ApplyPatch("veh-9", model.AvailabilityPatch{AddedDates: dates("2025-06-03")}) {
		t.Error("patch for unknown resource should not apply")
	}
	if _, ok := cache.Get("veh-9"); ok {
		t.Error("patch must not create an entry")
	}
}

func TestPatch_MergesIntoSubscribedEntry(t *testing.T) {
	ch := newMockChannel()
	cache, _ := newTestCache(staticFetcher(veh1State(1, "2025-06-03")), ch)
	cache.Start(context.Background())
	defer cache.Stop()

	var changed []model.AvailabilityState
	cache.OnChanged("veh-1", func(s model.AvailabilityState) { changed = append(changed, s) })

	handle, state, err := cache.Subscribe(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer handle.Close()
	assertDates(t, state.UnavailableDates, "2025-06-03")

	ch.emitPatch(t, model.AvailabilityPatch{
		ResourceID: "veh-1",
		AddedDates: dates("2025-06-04"),
		Version:    2,
	})

	got, ok := cache.Get("veh-1")
	if !ok {
		t.Fatal("entry missing")
	}
	assertDates(t, got.UnavailableDates, "2025-06-03", "2025-06-04")
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	if len(changed) != 2 {
		t.Errorf("expected fetch and patch notifications, got %d", len(changed))
	}
}

func TestApplyPatch_OlderVersionIgnored(t *testing.T) {
	cache, _ := newTestCache(staticFetcher(veh1State(5, "2025-06-03")), nil)
	if _, err := cache.Fetch(context.Background(), "veh-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	for _, v := range []int64{4, 5} {
		if cache.ApplyPatch("veh-1", model.AvailabilityPatch{RemovedDates: dates("2025-06-03"), Version: v}) {
			t.Errorf("patch version %d should be ignored", v)
		}
	}
	got, _ := cache.Get("veh-1")
	assertDates(t, got.UnavailableDates, "2025-06-03")
}

func TestApplyPatch_LastWriterWinsPerField(t *testing.T) {
	cache, _ := newTestCache(staticFetcher(veh1State(1, "2025-06-03")), nil)
	_, _ = cache.Fetch(context.Background(), "veh-1")

	maintenance := model.StatusMaintenance
	unavailable := false
	cache.ApplyPatch("veh-1", model.AvailabilityPatch{Status: &maintenance, IsAvailable: &unavailable})

	got, _ := cache.Get("veh-1")
	if got.Status != model.StatusMaintenance || got.IsAvailable {
		t.Errorf("fields not merged: %+v", got)
	}
	assertDates(t, got.UnavailableDates, "2025-06-03")
}

// ──────────────────────────────────────────────────────────────
// Fetch
// ──────────────────────────────────────────────────────────────

func TestFetch_ServesStaleOnTransportError(t *testing.T) {
	fail := false
	fetcher := &mockFetcher{fetchFunc: func(context.Context, string) (model.AvailabilityState, error) {
		if fail {
			return model.AvailabilityState{}, apperrors.Transport("fetch availability", errors.New("refused"))
		}
		return veh1State(1, "2025-06-03"), nil
	}}
	cache, _ := newTestCache(fetcher, nil)

	if _, err := cache.Fetch(context.Background(), "veh-1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	fail = true
	got, err := cache.Fetch(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("expected stale data instead of error, got %v", err)
	}
	if !got.Stale {
		t.Error("expected stale flag")
	}
	assertDates(t, got.UnavailableDates, "2025-06-03")

	fail = false
	got, _ = cache.Fetch(context.Background(), "veh-1")
	if got.Stale {
		t.Error("successful fetch should clear stale")
	}
}

func TestFetch_ErrorWithoutCache(t *testing.T) {
	fetcher := &mockFetcher{fetchFunc: func(context.Context, string) (model.AvailabilityState, error) {
		return model.AvailabilityState{}, apperrors.Transport("fetch availability", errors.New("refused"))
	}}
	cache, _ := newTestCache(fetcher, nil)

	if _, err := cache.Fetch(context.Background(), "veh-1"); !apperrors.IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestFetch_UnversionedResultOlderThanPatchIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	var calls int
	fetcher := &mockFetcher{fetchFunc: func(context.Context, string) (model.AvailabilityState, error) {
		calls++
		if calls == 1 {
			return veh1State(0, "2025-06-03"), nil
		}
		<-release
		return veh1State(0, "2025-06-03"), nil
	}}
	cache, _ := newTestCache(fetcher, nil)
	_, _ = cache.Fetch(context.Background(), "veh-1")

	done := make(chan model.AvailabilityState)
	go func() {
		s, _ := cache.Fetch(context.Background(), "veh-1")
		done <- s
	}()

	waitFor(t, func() bool { return fetcher.Calls() == 2 })
	cache.ApplyPatch("veh-1", model.AvailabilityPatch{AddedDates: dates("2025-06-10")})
	close(release)

	returned := <-done
	assertDates(t, returned.UnavailableDates, "2025-06-03", "2025-06-10")
	got, _ := cache.Get("veh-1")
	assertDates(t, got.UnavailableDates, "2025-06-03", "2025-06-10")
}

func TestFetch_LowerVersionIsDiscarded(t *testing.T) {
	version := int64(3)
	fetcher := &mockFetcher{fetchFunc: func(context.Context, string) (model.AvailabilityState, error) {
		return veh1State(version), nil
	}}
	cache, _ := newTestCache(fetcher, nil)
	_, _ = cache.Fetch(context.Background(), "veh-1")

	cache.ApplyPatch("veh-1", model.AvailabilityPatch{AddedDates: dates("2025-06-10"), Version: 4})

	version = 2
	got, _ := cache.Fetch(context.Background(), "veh-1")
	if got.Version != 4 {
		t.Errorf("expected cached version 4 to win, got %d", got.Version)
	}
}

func TestFetch_CallerGoneDropsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &mockFetcher{fetchFunc: func(context.Context, string) (model.AvailabilityState, error) {
		cancel()
		return veh1State(1), nil
	}}
	cache, _ := newTestCache(fetcher, nil)

	if _, err := cache.Fetch(ctx, "veh-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := cache.Get("veh-1"); ok {
		t.Error("result for a departed caller must not be cached")
	}
}

// ──────────────────────────────────────────────────────────────
// Subscribe / Unsubscribe
// ──────────────────────────────────────────────────────────────

func TestSubscribe_RollsBackOnFetchFailure(t *testing.T) {
	ch := newMockChannel()
	fetcher := &mockFetcher{fetchFunc: func(context.Context, string) (model.AvailabilityState, error) {
		return model.AvailabilityState{}, apperrors.Transport("fetch availability", errors.New("refused"))
	}}
	cache, _ := newTestCache(fetcher, ch)

	if _, _, err := cache.Subscribe(context.Background(), "veh-1"); err == nil {
		t.Fatal("expected error")
	}
	if ch.subscribed["veh-1"] != 1 || ch.unsubscribed["veh-1"] != 1 {
		t.Errorf("expected subscribe then rollback, got sub=%d unsub=%d", ch.subscribed["veh-1"], ch.unsubscribed["veh-1"])
	}
	if len(cache.Subscribed()) != 0 {
		t.Errorf("no subscription should remain, got %v", cache.Subscribed())
	}
}

func TestUnsubscribe_LastRefMarksStaleAndKeepsEntry(t *testing.T) {
	ch := newMockChannel()
	cache, _ := newTestCache(staticFetcher(veh1State(1, "2025-06-03")), ch)

	h1, _, _ := cache.Subscribe(context.Background(), "veh-1")
	h2, _, _ := cache.Subscribe(context.Background(), "veh-1")
	if ch.subscribed["veh-1"] != 1 {
		t.Errorf("channel should be subscribed once, got %d", ch.subscribed["veh-1"])
	}

	h1.Close()
	h1.Close()
	if got, _ := cache.Get("veh-1"); got.Stale {
		t.Error("entry should stay fresh while a reference remains")
	}

	h2.Close()
	got, ok := cache.Get("veh-1")
	if !ok || !got.Stale {
		t.Errorf("expected entry kept and stale, got ok=%v %+v", ok, got)
	}
	if ch.unsubscribed["veh-1"] != 1 {
		t.Errorf("expected one channel unsubscribe, got %d", ch.unsubscribed["veh-1"])
	}
}

func TestCurrent_OnlySubscribedFreshEntries(t *testing.T) {
	ch := newMockChannel()
	cache, _ := newTestCache(staticFetcher(veh1State(1, "2025-06-03")), ch)

	if _, err := cache.Fetch(context.Background(), "veh-1"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if _, ok := cache.Current("veh-1"); ok {
		t.Error("an entry nobody subscribed to is never refreshed and must not count as current")
	}

	h, _, err := cache.Subscribe(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if got, ok := cache.Current("veh-1"); !ok || got.Version != 1 {
		t.Errorf("subscribed entry should be current, got ok=%v %+v", ok, got)
	}

	h.Close()
	if _, err := cache.Fetch(context.Background(), "veh-1"); err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if _, ok := cache.Current("veh-1"); ok {
		t.Error("a refetch after the last unsubscribe must not make the entry current")
	}
}

// ──────────────────────────────────────────────────────────────
// Connection state and polling
// ──────────────────────────────────────────────────────────────

func TestChannelDropMarksStaleAndReconnectReconciles(t *testing.T) {
	ch := newMockChannel()
	fetcher := staticFetcher(veh1State(1))
	cache, _ := newTestCache(fetcher, ch)
	cache.Start(context.Background())
	defer cache.Stop()

	h, _, _ := cache.Subscribe(context.Background(), "veh-1")
	defer h.Close()

	ch.transition(transport.Backoff)
	if got, _ := cache.Get("veh-1"); !got.Stale {
		t.Error("expected stale while disconnected")
	}

	ch.transition(transport.Connected)
	waitFor(t, func() bool { return fetcher.Calls() == 2 })
	waitFor(t, func() bool {
		got, _ := cache.Get("veh-1")
		return !got.Stale
	})
}

func TestPoll_OnlyWhenRealtimeUnavailable(t *testing.T) {
	ch := newMockChannel()
	fetcher := staticFetcher(veh1State(1))
	cache, clk := newTestCache(fetcher, ch)
	cache.Start(context.Background())
	defer cache.Stop()

	h, _, _ := cache.Subscribe(context.Background(), "veh-1")
	defer h.Close()

	clk.Advance(60 * time.Second)
	if fetcher.Calls() != 1 {
		t.Errorf("no poll expected while connected, got %d fetches", fetcher.Calls())
	}

	ch.mu.Lock()
	ch.state = transport.Unavailable
	ch.mu.Unlock()

	clk.Advance(60 * time.Second)
	if fetcher.Calls() != 2 {
		t.Errorf("expected poll fetch while push is down, got %d fetches", fetcher.Calls())
	}
}

func TestPoll_RealtimeDisabled(t *testing.T) {
	fetcher := staticFetcher(veh1State(1))
	clk := clock.NewFake(time.Now())
	cfg := DefaultConfig()
	cfg.RealtimeEnabled = false
	cache := NewCache(cfg, fetcher, nil, clk, logger.Discard())
	cache.Start(context.Background())
	defer cache.Stop()

	h, _, _ := cache.Subscribe(context.Background(), "veh-1")
	defer h.Close()

	clk.Advance(3 * time.Minute)
	if fetcher.Calls() != 4 {
		t.Errorf("expected 1 subscribe fetch and 3 polls, got %d", fetcher.Calls())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
