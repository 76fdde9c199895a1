package registry

import "time"

// EndpointStats describes one endpoint within the current window.
type EndpointStats struct {
	Name          string     `json:"name"`
	Usage         int        `json:"usage"`
	Pending       int        `json:"pending"`
	Successes     int        `json:"successes"`
	Failures      int        `json:"failures"`
	SuccessRate   float64    `json:"success_rate"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	RateLimited   bool       `json:"rate_limited"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	RateLimitHits int        `json:"rate_limit_hits"`
	Selections    int        `json:"selections"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	WindowStart     time.Time       `json:"window_start"`
	Window          time.Duration   `json:"window"`
	RotationEnabled bool            `json:"rotation_enabled"`
	TotalSelections int             `json:"total_selections"`
	WindowCleanups  int             `json:"window_cleanups"`
	Available       []string        `json:"available"`
	Endpoints       []EndpointStats `json:"endpoints"`
}

// Stats returns a snapshot of usage and cooldowns in configuration order.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.prune(now)

	stats := Stats{
		WindowStart:     now.Add(-r.window),
		Window:          r.window,
		RotationEnabled: r.rotation,
		TotalSelections: r.total,
		WindowCleanups:  r.cleanups,
		Available:       r.availableLocked(now).Names(),
		Endpoints:       make([]EndpointStats, 0, len(r.endpoints)),
	}

	for _, d := range r.endpoints {
		es := EndpointStats{
			Name:          d.Name,
			SuccessRate:   1,
			RateLimitHits: r.rateLimitHits[d.Name],
			Selections:    r.selections[d.Name],
		}

		var last time.Time
		for _, rec := range r.usage[d.Name] {
			es.Usage++
			switch rec.outcome {
			case outcomePending:
				es.Pending++
			case outcomeSuccess:
				es.Successes++
			case outcomeFailure:
				es.Failures++
			}
			if rec.at.After(last) {
				last = rec.at
			}
		}
		if !last.IsZero() {
			es.LastUsed = &last
		}
		if completed := es.Successes + es.Failures; completed > 0 {
			es.SuccessRate = float64(es.Successes) / float64(completed)
		}
		if expiry, ok := r.cooldowns[d.Name]; ok && now.Before(expiry) {
			until := expiry
			es.RateLimited = true
			es.CooldownUntil = &until
		}

		stats.Endpoints = append(stats.Endpoints, es)
	}

	return stats
}
