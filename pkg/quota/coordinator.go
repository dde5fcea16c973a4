package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"bookwell/gatekeeper/pkg/quota/ratelimit"
	"bookwell/gatekeeper/pkg/quota/store"
	"bookwell/gatekeeper/pkg/quota/tier"
	"bookwell/gatekeeper/pkg/quota/usage"
	"bookwell/gatekeeper/pkg/quota/violation"
)

// Coordinator orchestrates admission control.
//
// For each request it resolves the key's tier and evaluates the tier's
// rules, short-circuiting on the first denial. The non-consuming checks
// (concurrency, bandwidth) run before the window checks so a denial
// there leaves the sliding windows untouched. A full pass consumes an
// in-flight slot (when the tier has a concurrency rule) and dispatches
// the usage-counter increment off the request path.
//
// Storage errors never propagate: the check transitions straight to an
// admitted decision marked FailOpen. An outage in the quota store must
// never become a full outage of the protected API.
type Coordinator struct {
	registry   atomic.Pointer[tier.Registry]
	resolver   *tier.Resolver
	windows    *ratelimit.SlidingWindow
	guard      *ratelimit.ConcurrencyGuard
	bandwidth  *ratelimit.BandwidthWindow
	aggregator *usage.Aggregator
	violations *violation.Logger
	recorder   *usage.Recorder
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// CoordinatorConfig wires the Coordinator's collaborators.
type CoordinatorConfig struct {
	Registry   *tier.Registry
	Resolver   *tier.Resolver
	Store      store.CounterStore
	Aggregator *usage.Aggregator
	Violations *violation.Logger
	Recorder   *usage.Recorder
	Metrics    *Metrics

	// ConcurrencyExpiry is the safety-net TTL for in-flight counters.
	// Zero selects the 300 s default.
	ConcurrencyExpiry time.Duration
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		resolver:   cfg.Resolver,
		windows:    ratelimit.NewSlidingWindow(cfg.Store),
		guard:      ratelimit.NewConcurrencyGuard(cfg.Store, cfg.ConcurrencyExpiry),
		bandwidth:  ratelimit.NewBandwidthWindow(cfg.Store),
		aggregator: cfg.Aggregator,
		violations: cfg.Violations,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		logger:     slog.Default().With("component", "quota.coordinator"),
		now:        time.Now,
	}
	c.registry.Store(cfg.Registry)

	if cfg.Metrics != nil {
		cfg.Recorder.SetDropHook(cfg.Metrics.RecordDropped)
	}
	return c
}

// SwapRegistry atomically replaces the rule tables, typically on a
// configuration reload. In-flight checks finish against the snapshot
// they started with.
func (c *Coordinator) SwapRegistry(reg *tier.Registry) {
	c.registry.Store(reg)
}

// SetClocks overrides the clocks of all checkers, for tests.
func (c *Coordinator) SetClocks(now func() time.Time) {
	c.now = now
	c.windows.SetClock(now)
	c.guard.SetClock(now)
	c.bandwidth.SetClock(now)
}

// CheckAdmission decides whether one inbound request may proceed.
//
// This is the single entry point called by the HTTP routing layer before
// business-logic dispatch. It never returns an error: storage faults
// fail open and every code path yields a valid decision.
func (c *Coordinator) CheckAdmission(ctx context.Context, keyID, endpoint, method, sourceAddr string) *AdmissionDecision {
	started := c.now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordCheckDuration("check_admission", time.Since(started).Seconds())
		}
	}()

	tierName := c.resolver.ResolveTier(ctx, keyID)
	rules := c.registry.Load().Rules(tierName)

	var first *ratelimit.Result
	var firstKind tier.LimitKind
	hasConcurrency := false

	// Non-consuming checks run first: a concurrency or bandwidth denial
	// must not strand quota already consumed from a sliding window.
	for _, rule := range rules {
		var (
			res *ratelimit.Result
			err error
		)

		switch rule.Kind {
		case tier.ConcurrentRequests:
			hasConcurrency = true
			res, err = c.guard.TryAcquire(ctx, keyID, rule.EffectiveLimit())
		case tier.BandwidthPerHour:
			res, err = c.bandwidth.Check(ctx, keyID, rule)
		default:
			continue
		}

		if err != nil {
			return c.failOpen(keyID, tierName, rule.Kind, err)
		}
		if !res.Allowed {
			return c.deny(ctx, keyID, endpoint, method, sourceAddr, tierName, rule, res)
		}
	}

	for _, rule := range rules {
		if rule.Kind == tier.ConcurrentRequests || rule.Kind == tier.BandwidthPerHour {
			continue
		}

		res, err := c.windows.CheckAndConsume(ctx, keyID, rule)
		if err != nil {
			return c.failOpen(keyID, tierName, rule.Kind, err)
		}
		if !res.Allowed {
			return c.deny(ctx, keyID, endpoint, method, sourceAddr, tierName, rule, res)
		}

		if first == nil {
			first = res
			firstKind = rule.Kind
		}
	}

	// Admitted. Consume the in-flight slot before returning so the next
	// check observes it, then defer the analytics write.
	if hasConcurrency {
		if err := c.guard.IncrementInFlight(ctx, keyID); err != nil {
			c.logStoreFault(keyID, "increment in-flight counter failed", err)
		} else if c.metrics != nil {
			c.metrics.IncInFlight()
		}
	}

	c.recorder.Enqueue(func(ctx context.Context) {
		if err := c.aggregator.RecordAdmission(ctx, keyID, endpoint, method, tierName); err != nil {
			c.logger.Warn("usage recording failed", "key_id", keyID, "error", err)
		}
	})

	if c.metrics != nil {
		c.metrics.RecordCheck(string(tierName), true)
	}

	decision := &AdmissionDecision{
		Allowed: true,
		Tier:    tierName,
	}
	if first != nil {
		decision.CurrentUsage = first.CurrentUsage
		decision.Limit = first.Limit
		decision.Window = first.Window
		decision.Reset = first.Reset
		decision.LimitKind = firstKind
	}
	return decision
}

// Release returns the in-flight slot for a completed request and
// accounts the served response bytes against the bandwidth window.
// The HTTP layer calls this once per admitted request after dispatch.
func (c *Coordinator) Release(ctx context.Context, keyID string, responseBytes int64) {
	tierName := c.resolver.ResolveTier(ctx, keyID)

	// Only tiers with a concurrency rule hold slots. A tier change
	// between check and release leaves the slot to the safety-net expiry.
	if c.registry.Load().HasRule(tierName, tier.ConcurrentRequests) {
		if err := c.guard.Release(ctx, keyID); err != nil {
			c.logStoreFault(keyID, "in-flight release failed", err)
		} else if c.metrics != nil {
			c.metrics.DecInFlight()
		}
	}

	if responseBytes > 0 {
		c.recorder.Enqueue(func(ctx context.Context) {
			if err := c.bandwidth.RecordBytes(ctx, keyID, responseBytes); err != nil {
				c.logger.Warn("bandwidth recording failed", "key_id", keyID, "error", err)
			}
		})
	}
}

// CurrentLimits returns the live per-rule usage for the key, for the
// analytics read API.
func (c *Coordinator) CurrentLimits(ctx context.Context, keyID string) (*CurrentLimits, error) {
	tierName := c.resolver.ResolveTier(ctx, keyID)
	rules := c.registry.Load().Rules(tierName)
	now := c.now()

	out := &CurrentLimits{Tier: tierName, Rules: make([]RuleStatus, 0, len(rules))}
	for _, rule := range rules {
		var (
			current int64
			err     error
		)
		switch rule.Kind {
		case tier.ConcurrentRequests:
			current, err = c.guard.InFlight(ctx, keyID)
		case tier.BandwidthPerHour:
			current, err = c.bandwidth.Usage(ctx, keyID)
		default:
			current, err = c.windows.Usage(ctx, keyID, rule)
		}
		if err != nil {
			return nil, err
		}

		status := RuleStatus{
			Kind:         rule.Kind,
			Limit:        rule.EffectiveLimit(),
			CurrentUsage: current,
		}
		// Concurrency rules have no window; their status carries no reset.
		if rule.Window > 0 {
			status.Window = rule.Window
			status.Reset = now.Add(rule.Window)
		}
		out.Rules = append(out.Rules, status)
	}
	return out, nil
}

// deny finalizes a denial, dispatches the violation log, and builds the
// decision. RetryAfter is always positive on this path.
func (c *Coordinator) deny(ctx context.Context, keyID, endpoint, method, sourceAddr string, tierName tier.Name, rule tier.Rule, res *ratelimit.Result) *AdmissionDecision {
	if c.metrics != nil {
		c.metrics.RecordCheck(string(tierName), false)
		c.metrics.RecordViolation(string(tierName), string(rule.Kind))
	}

	ev := violation.Event{
		KeyID:         keyID,
		Endpoint:      endpoint,
		Method:        method,
		LimitKind:     rule.Kind,
		Limit:         res.Limit,
		Tier:          tierName,
		SourceAddress: sourceAddr,
		Timestamp:     c.now(),
	}
	c.recorder.Enqueue(func(ctx context.Context) {
		c.violations.LogViolation(ctx, ev)
	})

	retryAfter := res.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Second
	}

	return &AdmissionDecision{
		Allowed:      false,
		CurrentUsage: res.CurrentUsage,
		Limit:        res.Limit,
		Window:       res.Window,
		Reset:        res.Reset,
		RetryAfter:   retryAfter,
		Tier:         tierName,
		LimitKind:    rule.Kind,
	}
}

// failOpen admits a request because the counter store failed. The fault
// is logged and counted; strict quota enforcement is traded for service
// availability.
func (c *Coordinator) failOpen(keyID string, tierName tier.Name, kind tier.LimitKind, err error) *AdmissionDecision {
	reason := "unavailable"
	if errors.Is(err, store.ErrCorruptCounter) {
		reason = "corrupt"
	}

	c.logStoreFault(keyID, "admission check failed open", err)
	if c.metrics != nil {
		c.metrics.RecordFailOpen(reason)
		c.metrics.RecordCheck(string(tierName), true)
	}

	return &AdmissionDecision{
		Allowed:   true,
		Tier:      tierName,
		LimitKind: kind,
		FailOpen:  true,
	}
}

// logStoreFault logs a storage fault, marking corruption for operator
// follow-up.
func (c *Coordinator) logStoreFault(keyID, msg string, err error) {
	if errors.Is(err, store.ErrCorruptCounter) {
		c.logger.Warn(msg, "key_id", keyID, "error", err, "data_integrity", true)
		return
	}
	c.logger.Warn(msg, "key_id", keyID, "error", err)
}
