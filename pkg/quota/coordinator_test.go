package quota

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"bookwell/gatekeeper/pkg/audit"
	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
	"bookwell/gatekeeper/pkg/quota/usage"
	"bookwell/gatekeeper/pkg/quota/violation"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *store.MemoryStore
	clock       *fakeClock
	recorder    *usage.Recorder
	aggregator  *usage.Aggregator
	violations  *violation.Logger
	metrics     *Metrics
}

func newCoordinatorFixture(t *testing.T, accounts map[string]tier.Name, overrides map[tier.Name][]tier.Rule) *coordinatorFixture {
	t.Helper()

	clock := newFakeClock()
	st := store.NewMemoryStore()
	st.SetClock(clock.Now)

	registry, err := tier.NewRegistry(overrides)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	resolver := tier.NewResolver(tier.NewStaticAccountStore(accounts), tier.ResolverConfig{})
	recorder := usage.NewRecorder(64)
	recorder.Start()
	t.Cleanup(recorder.Stop)

	aggregator := usage.NewAggregator(st)
	aggregator.SetClock(clock.Now)
	violations := violation.NewLogger(st, audit.NopSink{})
	metrics := NewMetrics(prometheus.NewRegistry())

	c := NewCoordinator(CoordinatorConfig{
		Registry:   registry,
		Resolver:   resolver,
		Store:      st,
		Aggregator: aggregator,
		Violations: violations,
		Recorder:   recorder,
		Metrics:    metrics,
	})
	c.SetClocks(clock.Now)

	return &coordinatorFixture{
		coordinator: c,
		store:       st,
		clock:       clock,
		recorder:    recorder,
		aggregator:  aggregator,
		violations:  violations,
		metrics:     metrics,
	}
}

// drain stops the recorder so all deferred writes have completed.
func (f *coordinatorFixture) drain() { f.recorder.Stop() }

// ============================================================================
// Admission Scenario Tests
// ============================================================================

func TestCoordinator_FreeTierAdmitsThenDenies(t *testing.T) {
	f := newCoordinatorFixture(t, nil, nil)
	ctx := context.Background()

	// Free tier allows 10 requests per minute.
	for i := int64(1); i <= 10; i++ {
		d := f.coordinator.CheckAdmission(ctx, "key-unknown", "/v1/bookings", "GET", "203.0.113.7")
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i)
		}
		if d.Tier != tier.Free {
			t.Errorf("request %d: expected free tier, got %s", i, d.Tier)
		}
		if d.CurrentUsage != i {
			t.Errorf("request %d: expected usage %d, got %d", i, i, d.CurrentUsage)
		}
		if d.LimitKind != tier.RequestsPerMinute {
			t.Errorf("request %d: expected requests_per_minute, got %s", i, d.LimitKind)
		}
		f.coordinator.Release(ctx, "key-unknown", 0)
	}

	for i := 11; i <= 12; i++ {
		d := f.coordinator.CheckAdmission(ctx, "key-unknown", "/v1/bookings", "GET", "203.0.113.7")
		if d.Allowed {
			t.Fatalf("request %d should be denied", i)
		}
		if d.RetryAfter != time.Minute {
			t.Errorf("request %d: expected retry after 1m, got %v", i, d.RetryAfter)
		}
		if d.CurrentUsage != 10 {
			t.Errorf("request %d: expected usage 10, got %d", i, d.CurrentUsage)
		}
	}
}

func TestCoordinator_ResolvesConfiguredTier(t *testing.T) {
	f := newCoordinatorFixture(t, map[string]tier.Name{"key-prem": tier.Premium}, nil)

	d := f.coordinator.CheckAdmission(context.Background(), "key-prem", "/v1/bookings", "GET", "")
	if !d.Allowed {
		t.Fatal("premium request should be admitted")
	}
	if d.Tier != tier.Premium {
		t.Errorf("expected premium tier, got %s", d.Tier)
	}
	// Premium's per-minute rule allows bursts to 350.
	if d.Limit != 350 {
		t.Errorf("expected effective limit 350, got %d", d.Limit)
	}
}

func TestCoordinator_DenialLogsViolation(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.RequestsPerMinute, Limit: 1, Window: time.Minute}},
	}
	f := newCoordinatorFixture(t, nil, overrides)
	ctx := context.Background()

	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "POST", "203.0.113.9")
	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "POST", "203.0.113.9")
	if d.Allowed {
		t.Fatal("second request should be denied")
	}

	f.drain()

	events, err := f.violations.Recent(ctx, "key-a", 10)
	if err != nil {
		t.Fatalf("recent returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 violation event, got %d", len(events))
	}

	ev := events[0]
	if ev.KeyID != "key-a" || ev.Endpoint != "/v1/bookings" || ev.Method != "POST" {
		t.Errorf("unexpected event identity: %+v", ev)
	}
	if ev.LimitKind != tier.RequestsPerMinute || ev.Limit != 1 || ev.Tier != tier.Free {
		t.Errorf("unexpected event limit data: %+v", ev)
	}
	if ev.SourceAddress != "203.0.113.9" {
		t.Errorf("unexpected source address: %q", ev.SourceAddress)
	}
	if ev.ID == "" {
		t.Error("event should have an assigned ID")
	}
}

func TestCoordinator_RecordsUsageOnAdmission(t *testing.T) {
	f := newCoordinatorFixture(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	}

	f.drain()

	summary, err := f.aggregator.GetSummary(ctx, "key-a")
	if err != nil {
		t.Fatalf("summary returned error: %v", err)
	}
	if summary.Total != 3 {
		t.Errorf("expected 3 recorded admissions, got %d", summary.Total)
	}
}

func TestCoordinator_DeniedRequestsRecordNoUsage(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.RequestsPerMinute, Limit: 1, Window: time.Minute}},
	}
	f := newCoordinatorFixture(t, nil, overrides)
	ctx := context.Background()

	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")

	f.drain()

	summary, _ := f.aggregator.GetSummary(ctx, "key-a")
	if summary.Total != 1 {
		t.Errorf("expected only the admitted request recorded, got %d", summary.Total)
	}
}

// ============================================================================
// Concurrency Accounting Tests
// ============================================================================

func TestCoordinator_ConsumesAndReleasesInFlightSlot(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.ConcurrentRequests, Limit: 2}},
	}
	f := newCoordinatorFixture(t, nil, overrides)
	ctx := context.Background()

	// Two admitted requests hold both slots.
	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")

	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if d.Allowed {
		t.Fatal("third concurrent request should be denied")
	}
	if d.LimitKind != tier.ConcurrentRequests {
		t.Errorf("expected concurrent_requests denial, got %s", d.LimitKind)
	}

	f.coordinator.Release(ctx, "key-a", 0)

	if d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", ""); !d.Allowed {
		t.Fatal("request after release should be admitted")
	}
}

func TestCoordinator_ConcurrencyDenialConsumesNoWindowQuota(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {
			{Kind: tier.RequestsPerMinute, Limit: 10, Window: time.Minute},
			{Kind: tier.ConcurrentRequests, Limit: 1},
		},
	}
	f := newCoordinatorFixture(t, nil, overrides)
	ctx := context.Background()

	// The single slot is held by the first admitted request.
	if d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", ""); !d.Allowed {
		t.Fatal("first request should be admitted")
	}

	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if d.Allowed {
		t.Fatal("second concurrent request should be denied")
	}
	if d.LimitKind != tier.ConcurrentRequests {
		t.Fatalf("expected concurrent_requests denial, got %s", d.LimitKind)
	}

	// The concurrency check runs before the windows, so the denied
	// request left the minute window untouched.
	limits, err := f.coordinator.CurrentLimits(ctx, "key-a")
	if err != nil {
		t.Fatalf("current limits returned error: %v", err)
	}
	for _, rs := range limits.Rules {
		if rs.Kind == tier.RequestsPerMinute && rs.CurrentUsage != 1 {
			t.Errorf("expected minute window usage 1, got %d", rs.CurrentUsage)
		}
	}
}

func TestCoordinator_InFlightGaugeTracksSlots(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.ConcurrentRequests, Limit: 5}},
	}
	f := newCoordinatorFixture(t, nil, overrides)
	ctx := context.Background()

	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")

	if got := testutil.ToFloat64(f.metrics.inFlight); got != 2 {
		t.Errorf("expected gauge 2 after two admissions, got %v", got)
	}

	f.coordinator.Release(ctx, "key-a", 0)

	if got := testutil.ToFloat64(f.metrics.inFlight); got != 1 {
		t.Errorf("expected gauge 1 after release, got %v", got)
	}
}

func TestCoordinator_ReleaseAccountsBandwidth(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.BandwidthPerHour, Limit: 1000, Window: time.Hour}},
	}
	f := newCoordinatorFixture(t, nil, overrides)
	ctx := context.Background()

	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if !d.Allowed {
		t.Fatal("first request should be admitted")
	}
	f.coordinator.Release(ctx, "key-a", 1500)

	f.drain()

	d = f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if d.Allowed {
		t.Fatal("request above the bandwidth budget should be denied")
	}
	if d.CurrentUsage != 1500 {
		t.Errorf("expected 1500 bytes counted, got %d", d.CurrentUsage)
	}
}

// ============================================================================
// Fail-Open Tests
// ============================================================================

func TestCoordinator_FailsOpenWhenStoreUnavailable(t *testing.T) {
	f := newCoordinatorFixture(t, nil, nil)
	ctx := context.Background()

	f.store.SetFailure(store.ErrUnavailable)

	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if !d.Allowed {
		t.Fatal("request must be admitted when the store is down")
	}
	if !d.FailOpen {
		t.Error("decision should be marked fail-open")
	}
}

func TestCoordinator_FailsOpenOnCorruptCounter(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.ConcurrentRequests, Limit: 5}},
	}
	f := newCoordinatorFixture(t, nil, overrides)
	ctx := context.Background()

	// Plant a non-numeric value where the in-flight counter lives.
	f.store.SetRaw("conc:key-a", "not-a-number")

	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if !d.Allowed {
		t.Fatal("request must be admitted on counter corruption")
	}
	if !d.FailOpen {
		t.Error("decision should be marked fail-open")
	}
}

func TestCoordinator_RecoversAfterStoreReturns(t *testing.T) {
	f := newCoordinatorFixture(t, nil, nil)
	ctx := context.Background()

	f.store.SetFailure(store.ErrUnavailable)
	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")

	f.store.SetFailure(nil)
	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if !d.Allowed || d.FailOpen {
		t.Errorf("expected normal enforcement after recovery, got %+v", d)
	}
	if d.CurrentUsage != 1 {
		t.Errorf("fail-open requests must not consume quota, got usage %d", d.CurrentUsage)
	}
}

// ============================================================================
// Registry Swap and Limits Read Tests
// ============================================================================

func TestCoordinator_SwapRegistryTakesEffect(t *testing.T) {
	f := newCoordinatorFixture(t, nil, nil)
	ctx := context.Background()

	if d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", ""); !d.Allowed {
		t.Fatal("request under default limits should be admitted")
	}

	tightened, err := tier.NewRegistry(map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.RequestsPerMinute, Limit: 1, Window: time.Minute}},
	})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	f.coordinator.SwapRegistry(tightened)

	d := f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")
	if d.Allowed {
		t.Fatal("request above the tightened limit should be denied")
	}
	if d.Limit != 1 {
		t.Errorf("expected swapped limit 1, got %d", d.Limit)
	}
}

func TestCoordinator_CurrentLimits(t *testing.T) {
	f := newCoordinatorFixture(t, nil, nil)
	ctx := context.Background()

	f.coordinator.CheckAdmission(ctx, "key-a", "/v1/bookings", "GET", "")

	limits, err := f.coordinator.CurrentLimits(ctx, "key-a")
	if err != nil {
		t.Fatalf("current limits returned error: %v", err)
	}
	if limits.Tier != tier.Free {
		t.Errorf("expected free tier, got %s", limits.Tier)
	}
	if len(limits.Rules) != 6 {
		t.Fatalf("expected 6 rule statuses, got %d", len(limits.Rules))
	}

	byKind := make(map[tier.LimitKind]RuleStatus, len(limits.Rules))
	for _, rs := range limits.Rules {
		byKind[rs.Kind] = rs
	}
	if rs := byKind[tier.RequestsPerMinute]; rs.CurrentUsage != 1 || rs.Limit != 10 {
		t.Errorf("unexpected per-minute status: %+v", rs)
	}
	if rs := byKind[tier.ConcurrentRequests]; rs.CurrentUsage != 1 {
		t.Errorf("expected 1 in flight, got %+v", rs)
	}
	// Non-windowed rules carry no reset time.
	if rs := byKind[tier.ConcurrentRequests]; !rs.Reset.IsZero() || rs.Window != 0 {
		t.Errorf("concurrency status should have no window or reset: %+v", rs)
	}
	if rs := byKind[tier.RequestsPerMinute]; rs.Reset.IsZero() {
		t.Error("windowed status should carry a reset time")
	}
}
