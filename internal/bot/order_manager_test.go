package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/models"
)

type managerFixture struct {
	om       *OrderManager
	store    *MockStore
	hedger   *MockHedger
	notifier *MockNotifier
	risk     *RiskManager
	a, b     *MockVenue
}

func newManagerFixture(t *testing.T, mutate func(*OrderManagerConfig)) *managerFixture {
	t.Helper()

	store := NewMockStore()
	hedger := &MockHedger{}
	notifier := &MockNotifier{}
	risk := NewRiskManager(RiskConfig{
		MaxPerMarket: dec("100"),
		MaxPerEvent:  dec("1000"),
		MaxSlippage:  dec("0.02"),
	}, testLogger())
	a, b := NewMockVenue("a"), NewMockVenue("b")

	cfg := DefaultOrderManagerConfig()
	cfg.EventID = "ev-1"
	cfg.DoubleLimitEnabled = true
	cfg.CancelRetryBase = time.Millisecond
	cfg.MarketMap = map[string]string{"a": "m-a", "b": "m-b"}
	if mutate != nil {
		mutate(&cfg)
	}

	om := NewOrderManager(
		map[string]exchange.Venue{"a": a, "b": b},
		store,
		NewPositionTracker(store, testLogger()),
		hedger,
		risk,
		notifier,
		nil,
		cfg,
		testLogger(),
	)
	om.SetRouting("a", "b")
	t.Cleanup(om.Shutdown)

	return &managerFixture{om: om, store: store, hedger: hedger, notifier: notifier, risk: risk, a: a, b: b}
}

func (f *managerFixture) placeDouble(t *testing.T) (*models.Order, *models.Order) {
	t.Helper()
	primary, secondary, err := f.om.PlaceDoubleLimit(context.Background(), "",
		DoubleLimitLeg{Side: models.SideBuy, Price: dec("0.50"), Size: dec("10")},
		DoubleLimitLeg{Side: models.SideBuy, Price: dec("0.51"), Size: dec("10")},
	)
	if err != nil {
		t.Fatalf("place double limit: %v", err)
	}
	return primary, secondary
}

func fillFor(order *models.Order, size, price string, ts time.Time) *models.Fill {
	return &models.Fill{
		OrderID:   order.Key(),
		MarketID:  order.MarketID,
		Exchange:  order.Exchange,
		Side:      order.Side,
		Price:     dec(price),
		Size:      dec(size),
		Timestamp: ts,
	}
}

func TestOrderManager_DoubleLimitHappyPath(t *testing.T) {
	f := newManagerFixture(t, nil)
	primary, secondary := f.placeDouble(t)

	record := f.store.onlyRecord()
	if record == nil || record.State != models.DoubleLimitActive || record.PairKey != "ev-1" {
		t.Fatalf("record = %+v", record)
	}
	for _, o := range []*models.Order{primary, secondary} {
		if state, _ := f.om.State(o.Key()); state != StateDoubleLinked {
			t.Errorf("%s state = %s, want DOUBLE_LINKED", o.Key(), state)
		}
	}

	key, err := f.om.HandleFill(context.Background(), fillFor(primary, "2", "0.50", time.Now()))
	if err != nil || key == "" {
		t.Fatalf("handle fill: key=%q err=%v", key, err)
	}

	if cancels := f.b.cancels(); len(cancels) != 1 || cancels[0] != secondary.Key() {
		t.Errorf("secondary cancels = %v, want [%s]", cancels, secondary.Key())
	}
	if cancels := f.a.cancels(); len(cancels) != 0 {
		t.Errorf("primary cancelled: %v", cancels)
	}

	calls := f.hedger.Calls()
	if len(calls) != 1 {
		t.Fatalf("hedge calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if !call.Size.Equal(dec("2")) || call.Side != models.SideSell || !call.ReferencePrice.Equal(dec("0.50")) {
		t.Errorf("hedge request = %+v", call)
	}
	if call.Legs[0].Exchange != "b" || call.Legs[0].MarketID != "m-b" {
		t.Errorf("hedge leg = %+v", call.Legs[0])
	}

	record = f.store.record(record.ID)
	if record.State != models.DoubleLimitTriggered || record.TriggeredOrderID != primary.Key() || record.CancelledOrderID != secondary.Key() {
		t.Errorf("record after trigger = %+v", record)
	}
	if state, _ := f.om.State(primary.Key()); state != StatePartiallyFilled {
		t.Errorf("primary state = %s", state)
	}
	if state, _ := f.om.State(secondary.Key()); state != StateCancelled {
		t.Errorf("secondary state = %s", state)
	}

	pos, _ := f.store.GetPosition(context.Background(), "ev-1")
	if pos == nil || !pos.NetPosition.Equal(dec("2")) {
		t.Errorf("position = %+v", pos)
	}
	// 20 зарезервировано; минус 10 отменённой ноги и 2 захеджированных
	if got := f.risk.Exposure("ev-1"); !got.Equal(dec("8")) {
		t.Errorf("exposure = %s, want 8", got)
	}

	results := f.store.eventsByStage("cancel_result")
	if len(results) != 1 || results[0].payload["success"] != true || results[0].payload["attempts"] != 1 {
		t.Errorf("cancel_result events = %+v", results)
	}
	hedges := f.store.eventsByStage("hedge")
	if len(hedges) != 1 || hedges[0].payload["status"] != "success" {
		t.Errorf("hedge events = %+v", hedges)
	}
}

func TestOrderManager_FillIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, nil)
	primary, _ := f.placeDouble(t)
	fill := fillFor(primary, "2", "0.50", time.Now())

	first, err := f.om.HandleFill(context.Background(), fill)
	if err != nil || first == "" {
		t.Fatalf("first: key=%q err=%v", first, err)
	}
	second, err := f.om.HandleFill(context.Background(), fill)
	if err != nil || second != "" {
		t.Fatalf("duplicate: key=%q err=%v, want empty key", second, err)
	}

	if n := len(f.hedger.Calls()); n != 1 {
		t.Errorf("hedge calls = %d, want 1", n)
	}
	if n := len(f.b.cancels()); n != 1 {
		t.Errorf("cancels = %d, want 1", n)
	}
	if n := len(f.store.eventsByStage("fill")); n != 1 {
		t.Errorf("fill events = %d, want 1", n)
	}
}

func TestOrderManager_ConcurrentFillsTriggerOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newManagerFixture(t, nil)
		primary, secondary := f.placeDouble(t)
		now := time.Now()

		var wg sync.WaitGroup
		for _, fill := range []*models.Fill{
			fillFor(primary, "1", "0.50", now),
			fillFor(secondary, "1", "0.51", now),
		} {
			wg.Add(1)
			go func(fill *models.Fill) {
				defer wg.Done()
				if _, err := f.om.HandleFill(context.Background(), fill); err != nil {
					t.Errorf("handle fill: %v", err)
				}
			}(fill)
		}
		wg.Wait()

		if total := len(f.a.cancels()) + len(f.b.cancels()); total != 1 {
			t.Fatalf("iteration %d: %d cancellations, want exactly 1", i, total)
		}
		if n := len(f.hedger.Calls()); n != 2 {
			t.Fatalf("iteration %d: %d hedges, want one per fill", i, n)
		}
		skipped := 0
		for _, e := range f.store.eventsByStage("cancel_result") {
			if e.payload["skipped"] == true {
				skipped++
			}
		}
		if skipped != 1 {
			t.Fatalf("iteration %d: skipped cancel results = %d, want 1", i, skipped)
		}
	}
}

func TestOrderManager_CancelFailureDoesNotBlockHedge(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) {
		cfg.CancelAlertThreshold = 1
	})
	primary, secondary := f.placeDouble(t)
	f.b.failCancels = 3
	f.b.cancelErr = errors.New("venue timeout")

	if _, err := f.om.HandleFill(context.Background(), fillFor(primary, "2", "0.50", time.Now())); err != nil {
		t.Fatalf("handle fill: %v", err)
	}

	if cancels := f.b.cancels(); len(cancels) != 3 {
		t.Errorf("cancel attempts = %d, want 3", len(cancels))
	}
	if n := len(f.hedger.Calls()); n != 1 {
		t.Errorf("hedge calls = %d, want 1", n)
	}

	incidents := f.store.incidentsByMessage("cancel_failure")
	if len(incidents) != 1 {
		t.Fatalf("cancel_failure incidents = %d", len(incidents))
	}
	details := incidents[0].details
	if details["order_id"] != secondary.Key() || details["attempts"] != 3 || incidents[0].level != models.IncidentWarning {
		t.Errorf("incident = %+v", incidents[0])
	}

	alerted := false
	for _, m := range f.notifier.Messages() {
		if strings.HasPrefix(m, "Cancel failures exceeded threshold (1)") {
			alerted = true
		}
	}
	if !alerted {
		t.Errorf("no threshold alert in %v", f.notifier.Messages())
	}
	if n := f.om.CancelFailures(); n != 0 {
		t.Errorf("failure counter = %d after alert, want 0", n)
	}

	results := f.store.eventsByStage("cancel_result")
	if len(results) != 1 || results[0].payload["success"] != false || results[0].payload["error"] == nil {
		t.Errorf("cancel_result = %+v", results)
	}
}

func TestOrderManager_CancelRetryRecovers(t *testing.T) {
	f := newManagerFixture(t, nil)
	primary, _ := f.placeDouble(t)
	f.b.failCancels = 2
	f.b.cancelErr = errors.New("busy")

	if _, err := f.om.HandleFill(context.Background(), fillFor(primary, "1", "0.50", time.Now())); err != nil {
		t.Fatal(err)
	}

	if n := len(f.b.cancels()); n != 3 {
		t.Errorf("cancel calls = %d, want 3", n)
	}
	if n := len(f.store.incidentsByMessage("cancel_failure")); n != 0 {
		t.Errorf("unexpected cancel_failure incidents: %d", n)
	}
	if n := len(f.store.eventsByStage("cancel_attempt")); n != 3 {
		t.Errorf("cancel_attempt events = %d, want 3", n)
	}
}

func TestOrderManager_SecondaryLegFailureRollsBackPrimary(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.b.placeErr = errors.New("insufficient margin")

	_, _, err := f.om.PlaceDoubleLimit(context.Background(), "",
		DoubleLimitLeg{Side: models.SideBuy, Price: dec("0.50"), Size: dec("10")},
		DoubleLimitLeg{Side: models.SideBuy, Price: dec("0.51"), Size: dec("10")},
	)
	if err == nil || !strings.Contains(err.Error(), "insufficient margin") {
		t.Fatalf("err = %v", err)
	}

	if cancels := f.a.cancels(); len(cancels) != 1 {
		t.Errorf("primary cancels = %v, want one rollback cancel", cancels)
	}
	if f.store.onlyRecord() != nil {
		t.Error("double limit record saved for a single-sided placement")
	}
	if got := f.risk.Exposure("ev-1"); !got.IsZero() {
		t.Errorf("exposure = %s, want 0 after rollback", got)
	}
}

func TestOrderManager_SaveRecordFailureCancelsBothLegs(t *testing.T) {
	f := newManagerFixture(t, nil)
	f.store.saveDoubleLimitErr = errors.New("db down")

	_, _, err := f.om.PlaceDoubleLimit(context.Background(), "pair-x",
		DoubleLimitLeg{Side: models.SideBuy, Price: dec("0.50"), Size: dec("10")},
		DoubleLimitLeg{Side: models.SideSell, Price: dec("0.51"), Size: dec("10")},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(f.a.cancels()) != 1 || len(f.b.cancels()) != 1 {
		t.Errorf("cancels a=%v b=%v, want one each", f.a.cancels(), f.b.cancels())
	}
}

func TestOrderManager_DoubleLimitPreconditions(t *testing.T) {
	leg := DoubleLimitLeg{Side: models.SideBuy, Price: dec("0.5"), Size: dec("1")}

	disabled := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.DoubleLimitEnabled = false })
	if _, _, err := disabled.om.PlaceDoubleLimit(context.Background(), "", leg, leg); !errors.Is(err, ErrDoubleLimitDisabled) {
		t.Errorf("disabled: err = %v", err)
	}

	unrouted := newManagerFixture(t, nil)
	unrouted.om.SetRouting("", "")
	if _, _, err := unrouted.om.PlaceDoubleLimit(context.Background(), "", leg, leg); !errors.Is(err, ErrRoutingNotSet) {
		t.Errorf("no routing: err = %v", err)
	}

	unmapped := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.MarketMap = map[string]string{"a": "m-a"} })
	if _, _, err := unmapped.om.PlaceDoubleLimit(context.Background(), "", leg, leg); !errors.Is(err, ErrMarketNotMapped) {
		t.Errorf("unmapped: err = %v", err)
	}
}

func TestOrderManager_PlacementRiskGate(t *testing.T) {
	f := newManagerFixture(t, nil)

	_, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("101"), "")
	if !IsRiskError(err) {
		t.Fatalf("err = %v, want RiskCheckError", err)
	}
	if len(f.a.placedOrders()) != 0 {
		t.Error("order placed despite risk rejection")
	}

	f.a.balances["USDC"] = dec("1")
	if _, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("10"), ""); !IsRiskError(err) {
		t.Fatalf("balance: err = %v, want RiskCheckError", err)
	}
	if got := f.risk.Exposure("ev-1"); !got.IsZero() {
		t.Errorf("exposure = %s after rejected placements", got)
	}

	if _, err := f.om.PlacePrimaryLimit(context.Background(), "zzz", "m", models.SideBuy, dec("0.5"), dec("1"), ""); !errors.Is(err, ErrUnknownVenue) {
		t.Errorf("unknown venue: err = %v", err)
	}
}

func TestOrderManager_ExposureReleasedOnCancel(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.DoubleLimitEnabled = false })

	order, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("10"), "cid-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := f.risk.Exposure("ev-1"); !got.Equal(dec("10")) {
		t.Fatalf("exposure after place = %s", got)
	}

	if _, err := f.om.HandleFill(context.Background(), fillFor(order, "4", "0.5", time.Now())); err != nil {
		t.Fatal(err)
	}
	if got := f.risk.Exposure("ev-1"); !got.Equal(dec("6")) {
		t.Errorf("exposure after hedged fill = %s, want 6", got)
	}

	if err := f.om.CancelLimit(context.Background(), "a", order.Key()); err != nil {
		t.Fatal(err)
	}
	if got := f.risk.Exposure("ev-1"); !got.IsZero() {
		t.Errorf("exposure after cancel = %s, want 0", got)
	}
	if state, _ := f.om.State(order.Key()); state != StateCancelled {
		t.Errorf("state = %s", state)
	}
}

func TestOrderManager_FullFillAccumulation(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.DoubleLimitEnabled = false })
	order, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("1"), "")
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i, size := range []string{"0.3", "0.3", "0.3999999999"} {
		if _, err := f.om.HandleFill(context.Background(), fillFor(order, size, "0.5", base.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatal(err)
		}
		want := StatePartiallyFilled
		if i == 2 {
			want = StateFilled
		}
		if state, _ := f.om.State(order.Key()); state != want {
			t.Errorf("after fill %d state = %s, want %s", i, state, want)
		}
	}
}

func TestOrderManager_HedgeFailureContained(t *testing.T) {
	f := newManagerFixture(t, nil)
	primary, _ := f.placeDouble(t)
	f.hedger.err = &HedgingError{Reason: "no liquidity on b for m-b"}

	key, err := f.om.HandleFill(context.Background(), fillFor(primary, "2", "0.50", time.Now()))
	if err != nil || key == "" {
		t.Fatalf("key=%q err=%v, hedge failure must not propagate", key, err)
	}
	hedges := f.store.eventsByStage("hedge")
	if len(hedges) != 1 || hedges[0].payload["status"] != "failed" {
		t.Errorf("hedge events = %+v", hedges)
	}
}

func TestOrderManager_FillValidation(t *testing.T) {
	f := newManagerFixture(t, nil)
	tests := []struct {
		name string
		fill *models.Fill
	}{
		{"nil", nil},
		{"zero size", &models.Fill{OrderID: "o", Exchange: "a", Side: models.SideBuy, Size: decimal.Zero, Price: dec("0.5")}},
		{"negative price", &models.Fill{OrderID: "o", Exchange: "a", Side: models.SideBuy, Size: dec("1"), Price: dec("-1")}},
		{"missing order id", &models.Fill{Exchange: "a", Side: models.SideBuy, Size: dec("1"), Price: dec("0.5")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.om.HandleFill(context.Background(), tt.fill); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
	if n := len(f.hedger.Calls()); n != 0 {
		t.Errorf("invalid fills reached the hedger: %d", n)
	}
}

func TestOrderManager_AutoCancelTimer(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) {
		cfg.DoubleLimitEnabled = false
		cfg.CancelAfter = 20 * time.Millisecond
	})
	order, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("5"), "")
	if err != nil {
		t.Fatal(err)
	}

	if !waitFor(2*time.Second, func() bool {
		state, _ := f.om.State(order.Key())
		return state == StateCancelled
	}) {
		t.Fatalf("order not auto-cancelled, cancels=%v", f.a.cancels())
	}

	if n := len(f.store.eventsByStage("cancel_timeout")); n != 1 {
		t.Errorf("cancel_timeout events = %d", n)
	}
	found := false
	for _, m := range f.notifier.Messages() {
		if m == "Auto-cancel triggered for order "+order.Key()+" after 20ms" {
			found = true
		}
	}
	if !found {
		t.Errorf("notifications = %v", f.notifier.Messages())
	}
	if n := f.om.PendingTimers(); n != 0 {
		t.Errorf("pending timers = %d", n)
	}
}

func TestOrderManager_TimerClearedOnFullFill(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) {
		cfg.DoubleLimitEnabled = false
		cfg.CancelAfter = 100 * time.Millisecond
	})
	order, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("5"), "")
	if err != nil {
		t.Fatal(err)
	}
	if f.om.PendingTimers() != 1 {
		t.Fatalf("pending timers = %d, want 1", f.om.PendingTimers())
	}

	if _, err := f.om.HandleFill(context.Background(), fillFor(order, "5", "0.5", time.Now())); err != nil {
		t.Fatal(err)
	}
	if f.om.PendingTimers() != 0 {
		t.Errorf("timer still armed after full fill")
	}

	time.Sleep(150 * time.Millisecond)
	if cancels := f.a.cancels(); len(cancels) != 0 {
		t.Errorf("filled order cancelled: %v", cancels)
	}
}

func TestOrderManager_ShutdownStopsTimers(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) {
		cfg.DoubleLimitEnabled = false
		cfg.CancelAfter = time.Hour
	})
	for i := 0; i < 2; i++ {
		if _, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("1"), ""); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.om.PendingTimers(); n != 2 {
		t.Fatalf("pending timers = %d", n)
	}

	f.om.Shutdown()
	if n := f.om.PendingTimers(); n != 0 {
		t.Errorf("pending timers after shutdown = %d", n)
	}
	if _, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("1"), ""); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("err = %v, want ErrManagerClosed", err)
	}
	if _, err := f.om.HandleFill(context.Background(), &models.Fill{OrderID: "x"}); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("fill after shutdown: err = %v", err)
	}
}

func TestOrderManager_CancelAllOpenOrders(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.DoubleLimitEnabled = false })
	ctx := context.Background()

	onA, err := f.om.PlacePrimaryLimit(ctx, "a", "m-a", models.SideBuy, dec("0.5"), dec("1"), "")
	if err != nil {
		t.Fatal(err)
	}
	onB, err := f.om.PlacePrimaryLimit(ctx, "b", "m-b", models.SideSell, dec("0.5"), dec("1"), "")
	if err != nil {
		t.Fatal(err)
	}
	filled, err := f.om.PlacePrimaryLimit(ctx, "b", "m-b", models.SideSell, dec("0.5"), dec("1"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.om.HandleFill(ctx, fillFor(filled, "1", "0.5", time.Now())); err != nil {
		t.Fatal(err)
	}
	f.a.rejectAll = true

	err = f.om.CancelAllOpenOrders(ctx)
	if !errors.Is(err, ErrCancelRejected) {
		t.Fatalf("err = %v, want aggregated ErrCancelRejected", err)
	}
	if cancels := f.b.cancels(); len(cancels) != 1 || cancels[0] != onB.Key() {
		t.Errorf("b cancels = %v, want only the open order", cancels)
	}
	if cancels := f.a.cancels(); len(cancels) != 1 || cancels[0] != onA.Key() {
		t.Errorf("a cancels = %v", cancels)
	}
}

func TestOrderManager_DryRun(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) {
		cfg.DryRun = true
		cfg.CancelAfter = time.Hour
	})

	order, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("2"), "cid-7")
	if err != nil {
		t.Fatal(err)
	}
	if order.OrderID != "dry-cid-7" || order.Status != models.OrderStatusPending {
		t.Errorf("order = %+v", order)
	}
	if len(f.a.placedOrders()) != 0 {
		t.Error("dry run reached the venue")
	}
	if f.om.PendingTimers() != 0 {
		t.Error("dry run armed an auto-cancel timer")
	}

	if err := f.om.CancelLimit(context.Background(), "a", order.Key()); err != nil {
		t.Fatal(err)
	}
	if len(f.a.cancels()) != 0 {
		t.Error("dry run cancel reached the venue")
	}
	if got := f.risk.Exposure("ev-1"); !got.IsZero() {
		t.Errorf("exposure = %s after dry-run cancel", got)
	}
}

func TestOrderManager_HedgeMarketResolution(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.DoubleLimitEnabled = false })
	f.om.mapper = MockMapper{"b/a/m-b": "mapped-a"}

	fill := &models.Fill{OrderID: "ext-1", MarketID: "m-b", Exchange: "b", Side: models.SideSell,
		Price: dec("0.4"), Size: dec("1"), Timestamp: time.Now()}
	if _, err := f.om.HandleFill(context.Background(), fill); err != nil {
		t.Fatal(err)
	}

	calls := f.hedger.Calls()
	if len(calls) != 1 {
		t.Fatalf("hedge calls = %d", len(calls))
	}
	if calls[0].Legs[0].Exchange != "a" || calls[0].Legs[0].MarketID != "mapped-a" || calls[0].Side != models.SideBuy {
		t.Errorf("hedge request = %+v", calls[0])
	}
	// неизвестный ордер получает машину состояний в PLACED
	if state, ok := f.om.State("ext-1"); !ok || state != StatePartiallyFilled {
		t.Errorf("state = %s, ok=%v", state, ok)
	}
}

func TestOrderManager_UnregisteredOrderWithdrawn(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) {
		cfg.DoubleLimitEnabled = false
		cfg.CancelAfter = time.Hour
	})
	f.store.saveOrderErr = errors.New("db down")

	order, err := f.om.PlacePrimaryLimit(context.Background(), "a", "m-a", models.SideBuy, dec("0.5"), dec("1"), "")
	if err == nil || order != nil {
		t.Fatalf("order = %v, err = %v", order, err)
	}
	if len(f.a.placedOrders()) != 1 {
		t.Fatalf("venue placements = %d", len(f.a.placedOrders()))
	}
	if cancels := f.a.cancels(); len(cancels) != 1 || cancels[0] != "a-1" {
		t.Errorf("cancels = %v, want the unregistered order withdrawn", cancels)
	}
	if got := f.risk.Exposure("ev-1"); !got.IsZero() {
		t.Errorf("exposure = %s, want released", got)
	}
	if f.om.Tracks("a-1") || f.om.PendingTimers() != 0 {
		t.Error("withdrawn order still tracked")
	}
}

func TestOrderManager_UnregisteredOrderLeftLive(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.DoubleLimitEnabled = false })
	f.store.saveOrderErr = errors.New("db down")
	f.a.rejectAll = true
	ctx := context.Background()

	if _, err := f.om.PlacePrimaryLimit(ctx, "a", "m-a", models.SideBuy, dec("0.5"), dec("1"), ""); err == nil {
		t.Fatal("expected registration error")
	}
	if got := f.risk.Exposure("ev-1"); !got.Equal(dec("1")) {
		t.Errorf("exposure = %s, want reservation kept", got)
	}
	if !f.om.Tracks("a-1") || f.om.OpenOrders() != 1 {
		t.Fatal("live order not tracked")
	}
	if n := len(f.store.incidentsByMessage("unregistered_order_live")); n != 1 {
		t.Errorf("incidents = %d", n)
	}
	if len(f.notifier.Messages()) != 1 {
		t.Errorf("notifications = %v", f.notifier.Messages())
	}

	fill := &models.Fill{OrderID: "a-1", MarketID: "m-a", Exchange: "a", Side: models.SideBuy,
		Price: dec("0.5"), Size: dec("1"), Timestamp: time.Now()}
	if _, err := f.om.HandleFill(ctx, fill); err != nil {
		t.Fatal(err)
	}
	if n := len(f.hedger.Calls()); n != 1 {
		t.Errorf("hedge calls = %d", n)
	}
	if got := f.risk.Exposure("ev-1"); !got.IsZero() {
		t.Errorf("exposure after hedge = %s", got)
	}
}

func TestOrderManager_HedgeNotConfiguredRecorded(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) { cfg.DoubleLimitEnabled = false })
	f.om.hedger = nil
	ctx := context.Background()

	order, err := f.om.PlacePrimaryLimit(ctx, "a", "m-a", models.SideBuy, dec("0.5"), dec("1"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.om.HandleFill(ctx, fillFor(order, "1", "0.5", time.Now())); err != nil {
		t.Fatal(err)
	}

	hedges := f.store.eventsByStage("hedge")
	if len(hedges) != 1 || hedges[0].payload["status"] != "failed" {
		t.Errorf("hedge events = %+v", hedges)
	}
	if n := len(f.store.incidentsByMessage("hedge_not_configured")); n != 1 {
		t.Errorf("incidents = %d", n)
	}
}

func TestOrderManager_ShutdownInterruptsCancelRetry(t *testing.T) {
	f := newManagerFixture(t, func(cfg *OrderManagerConfig) {
		cfg.CancelRetryBase = time.Hour
		cfg.CancelRetryAttempts = 3
	})
	f.b.failCancels = 10
	f.b.cancelErr = errors.New("venue down")

	type result struct {
		success  bool
		attempts int
	}
	done := make(chan result, 1)
	go func() {
		success, attempts, _ := f.om.cancelWithRetry(context.Background(), "a-1", "b", "b-9")
		done <- result{success, attempts}
	}()

	if !waitFor(2*time.Second, func() bool { return len(f.b.cancels()) == 1 }) {
		t.Fatal("first cancel attempt not made")
	}
	f.om.Shutdown()

	select {
	case r := <-done:
		if r.success || r.attempts != 1 {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel retry not interrupted by shutdown")
	}
}
