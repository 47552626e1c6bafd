package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
)

const fillTsMillis int64 = 1700000000000

type recordingHandler struct {
	mu    sync.Mutex
	fills []*models.Fill
	err   error
}

func (h *recordingHandler) handle(_ context.Context, fill *models.Fill) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fills = append(h.fills, fill)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fills)
}

func pollFill(fillID string, ts time.Time) *models.Fill {
	return &models.Fill{
		FillID:    fillID,
		OrderID:   "o-1",
		MarketID:  "m-a",
		Exchange:  "a",
		Side:      models.SideBuy,
		Price:     dec("0.5"),
		Size:      dec("2"),
		Timestamp: ts,
	}
}

func TestReconciler_SeedsDedupFromStore(t *testing.T) {
	store := NewMockStore()
	store.fillKeys = []string{"a:f-1:1700000000000"}
	handler := &recordingHandler{}

	r := NewReconciler(store, handler.handle, testLogger())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	if r.Process(context.Background(), pollFill("f-1", time.UnixMilli(fillTsMillis)), "poll") {
		t.Error("fill processed before restart was delivered again")
	}
	if !r.Process(context.Background(), pollFill("f-2", time.UnixMilli(fillTsMillis)), "poll") {
		t.Error("new fill rejected")
	}
	if handler.count() != 1 {
		t.Errorf("handler calls = %d, want 1", handler.count())
	}
	if m := r.Metrics(); m.Duplicates != 1 || m.Processed != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestReconciler_SeedFailure(t *testing.T) {
	store := NewMockStore()
	store.fetchKeysErr = errors.New("relation does not exist")

	r := NewReconciler(store, nil, testLogger())
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected seed error")
	}
	r.Stop()
}

func TestReconciler_PushAndPollDeliverOnce(t *testing.T) {
	feed := &MockFillFeed{
		messages: [][]byte{
			[]byte(`{"type":"subscribed"}`),
			[]byte(`{"data":{"order_id":"o-1","fill_id":"f-1","price":"0.5","size":"2","side":"BUY","market_id":"m-a","timestamp":1700000000000}}`),
		},
		polls: [][]*models.Fill{{pollFill("f-1", time.UnixMilli(fillTsMillis))}},
	}
	handler := &recordingHandler{}

	r := NewReconciler(NewMockStore(), handler.handle, testLogger())
	r.SubscribePush("a", feed, exchange.NormalizeFill)
	r.RegisterPoller("a", feed, 10*time.Millisecond)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	if !waitFor(2*time.Second, func() bool {
		m := r.Metrics()
		return m.PushEvents == 2 && m.PollEvents == 1 && m.Duplicates == 1
	}) {
		t.Fatalf("metrics = %+v", r.Metrics())
	}
	if handler.count() != 1 {
		t.Errorf("handler calls = %d, want exactly 1", handler.count())
	}
	if m := r.Metrics(); m.Processed != 1 {
		t.Errorf("processed = %d", m.Processed)
	}
}

func TestReconciler_PollCursorAdvances(t *testing.T) {
	t1 := time.UnixMilli(fillTsMillis)
	t2 := t1.Add(3 * time.Second)
	feed := &MockFillFeed{
		polls: [][]*models.Fill{{pollFill("f-2", t2), pollFill("f-1", t1)}},
	}
	handler := &recordingHandler{}

	r := NewReconciler(nil, handler.handle, testLogger())
	r.RegisterPoller("a", feed, 5*time.Millisecond)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	if !waitFor(2*time.Second, func() bool { return len(feed.Sinces()) >= 3 }) {
		t.Fatalf("poller stalled, sinces = %v", feed.Sinces())
	}
	sinces := feed.Sinces()
	if !sinces[0].IsZero() {
		t.Errorf("first poll since = %v, want zero", sinces[0])
	}
	for _, s := range sinces[1:] {
		if !s.Equal(t2) {
			t.Errorf("cursor = %v, want %v", s, t2)
		}
	}
	if handler.count() != 2 {
		t.Errorf("handler calls = %d", handler.count())
	}
}

func TestReconciler_PollErrorBacksOff(t *testing.T) {
	feed := &MockFillFeed{
		pollErrs: []error{errors.New("502 bad gateway"), nil},
		polls:    [][]*models.Fill{{pollFill("f-1", time.UnixMilli(fillTsMillis))}},
	}
	handler := &recordingHandler{}

	r := NewReconciler(nil, handler.handle, testLogger())
	r.RegisterPoller("a", feed, 5*time.Millisecond)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	if !waitFor(2*time.Second, func() bool { return handler.count() == 1 }) {
		t.Fatal("poller did not recover after error")
	}
	if n := len(feed.Sinces()); n < 2 {
		t.Errorf("polls = %d, want retry after failure", n)
	}
}

func TestReconciler_HandlerErrorDoesNotRedeliver(t *testing.T) {
	handler := &recordingHandler{err: errors.New("manager closed")}
	r := NewReconciler(nil, handler.handle, testLogger())

	fill := pollFill("f-1", time.UnixMilli(fillTsMillis))
	if !r.Process(context.Background(), fill, "push") {
		t.Fatal("first delivery rejected")
	}
	if r.Process(context.Background(), fill, "poll") {
		t.Fatal("failed fill redelivered")
	}
	if r.Process(context.Background(), nil, "poll") {
		t.Error("nil fill accepted")
	}
}

func TestReconciler_PushDecodeFailure(t *testing.T) {
	feed := &MockFillFeed{messages: [][]byte{[]byte(`{not json`)}}
	handler := &recordingHandler{}

	r := NewReconciler(nil, handler.handle, testLogger())
	r.SubscribePush("a", feed, exchange.NormalizeFill)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	if !waitFor(time.Second, func() bool { return r.Metrics().PushEvents == 1 }) {
		t.Fatal("message not received")
	}
	if handler.count() != 0 {
		t.Errorf("malformed message reached handler")
	}
}

// droppingListener обрывает первые drops подписок
type droppingListener struct {
	drops   int32
	listens atomic.Int32
}

func (l *droppingListener) ListenFills(ctx context.Context, _ func([]byte)) error {
	if l.listens.Add(1) <= l.drops {
		return errors.New("connection reset by peer")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestReconciler_PushResubscribes(t *testing.T) {
	listener := &droppingListener{drops: 2}
	r := NewReconciler(nil, nil, testLogger())
	r.ResubscribeDelay = time.Millisecond
	r.SubscribePush("a", listener, exchange.NormalizeFill)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !waitFor(2*time.Second, func() bool { return listener.listens.Load() == 3 }) {
		t.Fatalf("listens = %d, want 3", listener.listens.Load())
	}

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
}
