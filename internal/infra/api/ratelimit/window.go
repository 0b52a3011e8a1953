package ratelimit

import "time"

// requestHistory holds request timestamps for one key, oldest first.
type requestHistory struct {
	stamps []time.Time
}

// prune drops timestamps that can no longer affect any window ending at now.
func (h *requestHistory) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(h.stamps) && !h.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		h.stamps = append(h.stamps[:0], h.stamps[i:]...)
	}
}

func (h *requestHistory) count(now time.Time, cfg Config) int {
	h.prune(now, cfg.Window)
	if cfg.windowType() == WindowSliding {
		return len(h.stamps)
	}

	start := now.Truncate(cfg.Window)
	n := 0
	for _, t := range h.stamps {
		if !t.Before(start) {
			n++
		}
	}
	return n
}

// resetIn returns how long until the window admits another request.
func (h *requestHistory) resetIn(now time.Time, cfg Config) time.Duration {
	if cfg.windowType() == WindowFixed {
		return now.Truncate(cfg.Window).Add(cfg.Window).Sub(now)
	}
	if len(h.stamps) == 0 {
		return 0
	}
	return max(0, h.stamps[0].Add(cfg.Window).Sub(now))
}

func (h *requestHistory) add(t time.Time) {
	h.stamps = append(h.stamps, t)
}

// fill appends timestamps at t until the window is saturated.
func (h *requestHistory) fill(t time.Time, cfg Config) {
	for n := h.count(t, cfg); n < cfg.MaxRequests; n++ {
		h.add(t)
	}
}
