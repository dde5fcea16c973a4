package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bookwell/gatekeeper/pkg/audit"
	"bookwell/gatekeeper/pkg/config"
	"bookwell/gatekeeper/pkg/quota"
	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
	"bookwell/gatekeeper/pkg/quota/usage"
	"bookwell/gatekeeper/pkg/quota/violation"
)

type serverFixture struct {
	handler  http.Handler
	store    *store.MemoryStore
	recorder *usage.Recorder
}

func newServerFixture(t *testing.T, overrides map[tier.Name][]tier.Rule) *serverFixture {
	t.Helper()

	st := store.NewMemoryStore()
	registry, err := tier.NewRegistry(overrides)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	resolver := tier.NewResolver(tier.NewStaticAccountStore(map[string]tier.Name{
		"key-prem": tier.Premium,
	}), tier.ResolverConfig{})

	recorder := usage.NewRecorder(64)
	recorder.Start()
	t.Cleanup(recorder.Stop)

	aggregator := usage.NewAggregator(st)
	violations := violation.NewLogger(st, audit.NopSink{})
	reg := prometheus.NewRegistry()

	coordinator := quota.NewCoordinator(quota.CoordinatorConfig{
		Registry:   registry,
		Resolver:   resolver,
		Store:      st,
		Aggregator: aggregator,
		Violations: violations,
		Recorder:   recorder,
		Metrics:    quota.NewMetrics(reg),
	})

	srv := New(config.ServerConfig{
		ListenAddress:   "127.0.0.1:0",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: time.Second,
	}, coordinator, aggregator, violations, st, reg)

	return &serverFixture{handler: srv.Handler(), store: st, recorder: recorder}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) check(t *testing.T, keyID string) decisionResponse {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/v1/admission/check", checkRequest{
		KeyID:    keyID,
		Endpoint: "/v1/bookings",
		Method:   "GET",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("check returned status %d: %s", rec.Code, rec.Body.String())
	}

	var d decisionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}
	return d
}

// ============================================================================
// Admission Endpoint Tests
// ============================================================================

func TestServer_AdmissionCheckAllowed(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/admission/check", checkRequest{
		KeyID:    "key-x",
		Endpoint: "/v1/bookings",
		Method:   "GET",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var d decisionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("failed to decode decision: %v", err)
	}
	if !d.Allowed || d.Tier != "free" {
		t.Errorf("unexpected decision: %+v", d)
	}
	if d.RetryAfter != nil {
		t.Error("allowed decision should omit retry_after")
	}

	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("unexpected limit header: %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("unexpected remaining header: %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestServer_AdmissionCheckDenied(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.RequestsPerMinute, Limit: 1, Window: time.Minute}},
	}
	f := newServerFixture(t, overrides)

	f.check(t, "key-x")

	rec := f.do(t, http.MethodPost, "/v1/admission/check", checkRequest{KeyID: "key-x"})
	var d decisionResponse
	json.Unmarshal(rec.Body.Bytes(), &d)

	if d.Allowed {
		t.Fatal("second request should be denied")
	}
	if d.RetryAfter == nil || *d.RetryAfter != 60 {
		t.Errorf("expected retry_after 60, got %v", d.RetryAfter)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("unexpected Retry-After header: %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected remaining header: %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestServer_AdmissionCheckValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/admission/check", checkRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing key_id, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/admission/check", bytes.NewReader([]byte("{not json")))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rr.Code)
	}
}

func TestServer_Release(t *testing.T) {
	f := newServerFixture(t, nil)

	f.check(t, "key-x")

	rec := f.do(t, http.MethodPost, "/v1/admission/release", releaseRequest{
		KeyID:         "key-x",
		ResponseBytes: 2048,
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPost, "/v1/admission/release", releaseRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing key_id, got %d", rec.Code)
	}
}

// ============================================================================
// Analytics Endpoint Tests
// ============================================================================

func TestServer_UsageSummary(t *testing.T) {
	f := newServerFixture(t, nil)

	f.check(t, "key-x")
	f.check(t, "key-x")
	f.recorder.Stop() // drain deferred usage writes

	rec := f.do(t, http.MethodGet, "/v1/keys/key-x/usage/summary", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var summary usage.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if summary.Total != 2 {
		t.Errorf("expected total 2, got %d", summary.Total)
	}
}

func TestServer_Limits(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/keys/key-prem/limits", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var limits quota.CurrentLimits
	if err := json.Unmarshal(rec.Body.Bytes(), &limits); err != nil {
		t.Fatalf("failed to decode limits: %v", err)
	}
	if limits.Tier != tier.Premium {
		t.Errorf("expected premium, got %s", limits.Tier)
	}
	if len(limits.Rules) != 6 {
		t.Errorf("expected 6 rules, got %d", len(limits.Rules))
	}
}

func TestServer_Violations(t *testing.T) {
	overrides := map[tier.Name][]tier.Rule{
		tier.Free: {{Kind: tier.RequestsPerMinute, Limit: 1, Window: time.Minute}},
	}
	f := newServerFixture(t, overrides)

	f.check(t, "key-x")
	f.check(t, "key-x") // denied
	f.recorder.Stop()

	rec := f.do(t, http.MethodGet, "/v1/keys/key-x/violations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Violations []violation.Event `json:"violations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode violations: %v", err)
	}
	if len(resp.Violations) != 1 {
		t.Errorf("expected 1 violation, got %d", len(resp.Violations))
	}
}

func TestServer_TimeSeriesValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	if rec := f.do(t, http.MethodGet, "/v1/keys/key-x/usage/timeseries?start=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad start date, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/keys/key-x/usage/timeseries?start=2026-03-10&end=2026-03-01", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for inverted range, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/keys/key-x/usage/timeseries", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for default range, got %d", rec.Code)
	}
}

func TestServer_AnalyticsUnavailable(t *testing.T) {
	f := newServerFixture(t, nil)
	f.store.SetFailure(store.ErrUnavailable)

	if rec := f.do(t, http.MethodGet, "/v1/keys/key-x/usage/summary", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when store is down, got %d", rec.Code)
	}
}

// ============================================================================
// Operational Endpoint Tests
// ============================================================================

func TestServer_Health(t *testing.T) {
	f := newServerFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("expected ok, got %v", body["status"])
	}

	// A down store degrades but does not fail health: admission fails open.
	f.store.SetFailure(store.ErrUnavailable)
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when degraded, got %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
}

func TestServer_Metrics(t *testing.T) {
	f := newServerFixture(t, nil)

	f.check(t, "key-x")

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("gatekeeper_admission_checks_total")) {
		t.Error("expected admission check metric in exposition")
	}
}
