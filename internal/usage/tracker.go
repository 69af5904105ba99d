// Package usage keeps a rolling per-jti record of request activity and
// evaluates the token-theft heuristics: too many distinct IPs, too many
// distinct user agents, or an excessive request rate. The tracker reports
// suspicion; it never blocks a request itself.
package usage

import (
	"sync"
	"time"
)

const (
	// MaxDistinctIPs is the distinct-IP count above which a jti is flagged
	// (possible theft across devices or networks).
	MaxDistinctIPs = 3
	// MaxDistinctUserAgents is the distinct-UA count above which a jti is
	// flagged (possible token sharing).
	MaxDistinctUserAgents = 3
	// MaxRequestsPerMinute is the sustained rate above which a jti is
	// flagged (possible automated replay).
	MaxRequestsPerMinute = 100

	// recordTTL bounds memory growth: records idle this long are swept.
	recordTTL = 24 * time.Hour
)

// Suspicion describes why a jti was flagged. Zero value means clean.
type Suspicion struct {
	Suspicious        bool
	Reason            string
	DistinctIPs       int
	DistinctAgents    int
	RequestsPerMinute float64
}

// Tracker is the usage-tracking interface consumed by the validator.
type Tracker interface {
	Record(jti, ip, userAgent string)
	Evaluate(jti string) Suspicion
	Sweep()
}

type record struct {
	count      int64
	firstSeen  time.Time
	lastSeen   time.Time
	ips        map[string]struct{}
	userAgents map[string]struct{}
}

// MemoryTracker is a mutex-guarded in-memory Tracker.
type MemoryTracker struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Record updates the rolling record for a jti with a newly observed client
// fingerprint.
func (mt *MemoryTracker) Record(jti, ip, userAgent string) {
	if jti == "" {
		return
	}
	now := mt.now()

	mt.mu.Lock()
	defer mt.mu.Unlock()

	rec, ok := mt.records[jti]
	if !ok {
		rec = &record{
			firstSeen:  now,
			ips:        make(map[string]struct{}),
			userAgents: make(map[string]struct{}),
		}
		mt.records[jti] = rec
	}
	rec.count++
	rec.lastSeen = now
	if ip != "" {
		rec.ips[ip] = struct{}{}
	}
	if userAgent != "" {
		rec.userAgents[userAgent] = struct{}{}
	}
}

// Evaluate applies the anomaly heuristics to a jti. Any single trigger is
// sufficient; the order only determines which reason is reported.
func (mt *MemoryTracker) Evaluate(jti string) Suspicion {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	rec, ok := mt.records[jti]
	if !ok {
		return Suspicion{}
	}

	s := Suspicion{
		DistinctIPs:       len(rec.ips),
		DistinctAgents:    len(rec.userAgents),
		RequestsPerMinute: mt.ratePerMinute(rec),
	}

	switch {
	case s.DistinctIPs > MaxDistinctIPs:
		s.Suspicious = true
		s.Reason = "distinct IP count exceeded"
	case s.DistinctAgents > MaxDistinctUserAgents:
		s.Suspicious = true
		s.Reason = "distinct user-agent count exceeded"
	case s.RequestsPerMinute > MaxRequestsPerMinute:
		s.Suspicious = true
		s.Reason = "request rate exceeded"
	}
	return s
}

// IsSuspicious reports whether any heuristic fires for the jti.
func (mt *MemoryTracker) IsSuspicious(jti string) bool {
	return mt.Evaluate(jti).Suspicious
}

// ratePerMinute extrapolates the observed request rate. The window is
// floored at one second so a lone first request does not register as an
// infinite rate.
func (mt *MemoryTracker) ratePerMinute(rec *record) float64 {
	elapsed := mt.now().Sub(rec.firstSeen)
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return float64(rec.count) / elapsed.Minutes()
}

// Sweep purges records idle for longer than 24 hours. The candidate scan and
// the deletes take the lock separately so a large map never pins handlers
// for a full pass.
func (mt *MemoryTracker) Sweep() {
	cutoff := mt.now().Add(-recordTTL)

	var stale []string
	mt.mu.Lock()
	for jti, rec := range mt.records {
		if rec.lastSeen.Before(cutoff) {
			stale = append(stale, jti)
		}
	}
	mt.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	mt.mu.Lock()
	for _, jti := range stale {
		if rec, ok := mt.records[jti]; ok && rec.lastSeen.Before(cutoff) {
			delete(mt.records, jti)
		}
	}
	mt.mu.Unlock()
}

// Start launches the periodic sweeper; the returned stop function cancels it.
func (mt *MemoryTracker) Start(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Hour
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mt.Sweep()
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// Size returns the number of tracked jtis.
func (mt *MemoryTracker) Size() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.records)
}
