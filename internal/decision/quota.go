package decision

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/svcgate/svcgate/api"
	"github.com/svcgate/svcgate/internal/config"
)

// QuotaLimit defines a single quota: max requests per time window.
type QuotaLimit struct {
	Max    int
	Window time.Duration
}

// QuotaConfig holds the compiled quota limits.
type QuotaConfig struct {
	// Global limits requests across all callers.
	Global *QuotaLimit

	// PerCaller maps caller IDs to individual limits.
	PerCaller map[string]*QuotaLimit

	// PerOperation maps operation names to route-level limits. A route
	// limit replaces the global limit for requests on that route.
	PerOperation map[string]*QuotaLimit
}

// QuotaConfigFrom compiles the quota limits from the config file: the
// global and per-caller settings plus any per-route overrides. It returns
// nil when no quota is configured anywhere. Windows were validated at
// config load, so parse failures drop the limit silently.
func QuotaConfigFrom(f *config.File) *QuotaConfig {
	cfg := &QuotaConfig{
		PerCaller:    make(map[string]*QuotaLimit),
		PerOperation: make(map[string]*QuotaLimit),
	}

	if settings := f.Settings.Quota; settings != nil {
		if settings.Global != nil {
			if d, err := time.ParseDuration(settings.Global.Window); err == nil {
				cfg.Global = &QuotaLimit{Max: settings.Global.Max, Window: d}
			}
		}
		for caller, rule := range settings.PerCaller {
			if d, err := time.ParseDuration(rule.Window); err == nil {
				cfg.PerCaller[caller] = &QuotaLimit{Max: rule.Max, Window: d}
			}
		}
	}

	for i := range f.Routes {
		route := &f.Routes[i]
		if route.Quota == nil {
			continue
		}
		if d, err := time.ParseDuration(route.Quota.Window); err == nil {
			cfg.PerOperation[route.OperationName()] = &QuotaLimit{Max: route.Quota.Max, Window: d}
		}
	}

	if cfg.Global == nil && len(cfg.PerCaller) == 0 && len(cfg.PerOperation) == 0 {
		return nil
	}
	return cfg
}

// slidingWindow tracks request timestamps for quota accounting.
type slidingWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// QuotaClient enforces sliding-window quotas in front of another decision
// client. Exhausted quota denies with 429 without consulting the base;
// otherwise the base client decides.
type QuotaClient struct {
	base    Client
	config  QuotaConfig
	mu      sync.RWMutex
	windows map[string]*slidingWindow // key: caller ID or "_global"
}

// NewQuotaClient wraps base with quota enforcement.
func NewQuotaClient(base Client, cfg QuotaConfig) *QuotaClient {
	return &QuotaClient{
		base:    base,
		config:  cfg,
		windows: make(map[string]*slidingWindow),
	}
}

func (q *QuotaClient) Check(ctx context.Context, attrs *api.RequestAttributes) (*api.CheckResult, error) {
	now := time.Now()

	if limit, ok := q.config.PerCaller[attrs.CallerID]; ok {
		if !q.allow(attrs.CallerID, limit, now) {
			res := api.Deny(http.StatusTooManyRequests, fmt.Sprintf(
				"quota exceeded for caller %q: max %d per %s", attrs.CallerID, limit.Max, limit.Window))
			res.Rule = "quota:" + attrs.CallerID
			return res, nil
		}
	}

	// A route-level limit overrides the global one for its operation.
	if limit, ok := q.config.PerOperation[attrs.Operation]; ok && attrs.Operation != "" {
		if !q.allow("op:"+attrs.Operation, limit, now) {
			res := api.Deny(http.StatusTooManyRequests, fmt.Sprintf(
				"quota exceeded for operation %q: max %d per %s", attrs.Operation, limit.Max, limit.Window))
			res.Rule = "quota:op:" + attrs.Operation
			return res, nil
		}
	} else if q.config.Global != nil {
		if !q.allow("_global", q.config.Global, now) {
			res := api.Deny(http.StatusTooManyRequests, fmt.Sprintf(
				"global quota exceeded: max %d per %s", q.config.Global.Max, q.config.Global.Window))
			res.Rule = "quota:global"
			return res, nil
		}
	}

	return q.base.Check(ctx, attrs)
}

func (q *QuotaClient) Report(ctx context.Context, rep *api.UsageReport) error {
	return q.base.Report(ctx, rep)
}

// allow checks and consumes one slot under the given limit.
func (q *QuotaClient) allow(key string, limit *QuotaLimit, now time.Time) bool {
	q.mu.Lock()
	w, ok := q.windows[key]
	if !ok {
		w = &slidingWindow{}
		q.windows[key] = w
	}
	q.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-limit.Window)
	valid := 0
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			w.timestamps[valid] = ts
			valid++
		}
	}
	w.timestamps = w.timestamps[:valid]

	if len(w.timestamps) >= limit.Max {
		return false
	}

	w.timestamps = append(w.timestamps, now)
	return true
}

// Reset clears all quota windows (useful for testing).
func (q *QuotaClient) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.windows = make(map[string]*slidingWindow)
}
