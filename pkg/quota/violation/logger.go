package violation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bookwell/gatekeeper/pkg/audit"
	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
)

const (
	// eventType is the audit sink event type for quota violations.
	eventType = "quota_violation"

	// listCap bounds the per-key recent-violations list (oldest evicted).
	listCap = 100

	// listTTL is the expiry of the per-key list.
	listTTL = 30 * 24 * time.Hour
)

// Event is one recorded quota violation. Never mutated after creation.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// KeyID is the API key identifier that was denied.
	KeyID string `json:"key_id"`

	// Endpoint and Method identify the denied request.
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`

	// LimitKind is the rule kind that denied the request.
	LimitKind tier.LimitKind `json:"limit_kind"`

	// Limit is the configured limit that was hit.
	Limit int64 `json:"limit"`

	// Tier is the tier the key resolved to.
	Tier tier.Name `json:"tier"`

	// SourceAddress is the remote address of the denied request.
	SourceAddress string `json:"source_address"`

	// Timestamp is when the denial happened.
	Timestamp time.Time `json:"timestamp"`
}

// Logger records violation events to the audit sink and the bounded
// per-key recent list.
type Logger struct {
	store  store.CounterStore
	sink   audit.Sink
	logger *slog.Logger
}

// NewLogger creates a Logger. A nil sink disables audit forwarding.
func NewLogger(st store.CounterStore, sink audit.Sink) *Logger {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Logger{
		store:  st,
		sink:   sink,
		logger: slog.Default().With("component", "quota.violation"),
	}
}

// listKey builds the store key for a key identifier's recent violations.
func listKey(keyID string) string {
	return "viol:" + keyID
}

// LogViolation records one violation. Failures on either path are logged
// and swallowed; the admission decision has already been finalized.
func (l *Logger) LogViolation(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if err := l.sink.RecordSecurityEvent(ctx, eventType, ev.KeyID, map[string]any{
		"endpoint":       ev.Endpoint,
		"method":         ev.Method,
		"limit_kind":     string(ev.LimitKind),
		"limit":          ev.Limit,
		"tier":           string(ev.Tier),
		"source_address": ev.SourceAddress,
	}); err != nil {
		l.logger.Warn("audit sink write failed", "key_id", ev.KeyID, "error", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("violation marshal failed", "key_id", ev.KeyID, "error", err)
		return
	}

	key := listKey(ev.KeyID)
	if err := l.store.ListPushFront(ctx, key, string(payload)); err != nil {
		l.logger.Warn("violation list push failed", "key_id", ev.KeyID, "error", err)
		return
	}
	if err := l.store.ListTrim(ctx, key, 0, listCap-1); err != nil {
		l.logger.Warn("violation list trim failed", "key_id", ev.KeyID, "error", err)
	}
	if err := l.store.SetExpiry(ctx, key, listTTL); err != nil {
		l.logger.Warn("violation list expiry failed", "key_id", ev.KeyID, "error", err)
	}
}

// Recent returns up to n most recent violations for the key, newest first.
func (l *Logger) Recent(ctx context.Context, keyID string, n int64) ([]Event, error) {
	if n <= 0 || n > listCap {
		n = listCap
	}

	raw, err := l.store.ListRange(ctx, listKey(keyID), 0, n-1)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			l.logger.Warn("skipping undecodable violation entry", "key_id", keyID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
