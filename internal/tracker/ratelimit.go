package tracker

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// bucketGranularity is the time resolution for counter buckets. One
	// second is fine for windows expressed in per-minute terms.
	bucketGranularity = time.Second

	// gcInterval controls how often expired buckets are pruned. Checked
	// lazily on each Observe call rather than via a background goroutine so
	// the type stays self-contained and easy to test.
	gcInterval = 30 * time.Second
)

// bucket holds the count for a single time slice.
type bucket struct {
	key   int64 // unix-second timestamp of the bucket start
	count int
}

// signatureState holds the time-bucketed counters for one dedup signature
// plus the record currently absorbing collapsed invocations.
type signatureState struct {
	commandName      string
	buckets          []bucket
	representativeID string
}

// Aggregator detects bursts of identical operations using sliding-window
// counters keyed by dedup signature. When a command's in-window count
// exceeds its threshold, further identical invocations are collapsed onto
// the representative record instead of creating new ones. Expired buckets
// are lazily garbage-collected.
type Aggregator struct {
	mu               sync.Mutex
	window           time.Duration
	defaultThreshold int
	thresholds       map[string]int // commandName → threshold override
	signatures       map[string]*signatureState
	lastGC           time.Time
	logger           *slog.Logger
}

// NewAggregator creates an Aggregator. A zero or negative window disables
// aggregation entirely; a zero default threshold falls back to 20.
func NewAggregator(window time.Duration, defaultThreshold int, perCommand map[string]int, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultThreshold <= 0 {
		defaultThreshold = 20
	}
	a := &Aggregator{
		window:           window,
		defaultThreshold: defaultThreshold,
		thresholds:       make(map[string]int, len(perCommand)),
		signatures:       make(map[string]*signatureState),
		lastGC:           time.Now(),
		logger:           logger.With("component", "tracker.Aggregator"),
	}
	for cmd, threshold := range perCommand {
		if threshold > 0 {
			a.thresholds[cmd] = threshold
		}
	}
	return a
}

// Observe counts an invocation of the given signature. When the in-window
// count exceeds the command's threshold and a representative record exists,
// it returns (representativeID, true) and the caller collapses the
// invocation onto that record instead of creating a new one.
func (a *Aggregator) Observe(commandName, signature string) (string, bool) {
	if a.window <= 0 {
		return "", false
	}

	now := time.Now()
	key := now.Truncate(bucketGranularity).Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.signatures[signature]
	if !ok {
		st = &signatureState{commandName: commandName}
		a.signatures[signature] = st
	}

	// Fast path: last bucket matches current time key.
	if len(st.buckets) > 0 && st.buckets[len(st.buckets)-1].key == key {
		st.buckets[len(st.buckets)-1].count++
	} else {
		st.buckets = append(st.buckets, bucket{key: key, count: 1})
	}

	// Lazy GC check.
	if now.Sub(a.lastGC) > gcInterval {
		a.gcLocked(now)
		a.lastGC = now
	}

	threshold := a.thresholdLocked(commandName)
	if a.countLocked(st, now) > threshold && st.representativeID != "" {
		return st.representativeID, true
	}
	return "", false
}

// SetRepresentative records the collapse target for a signature. Called
// after each non-collapsed record creation, so the representative is always
// the newest distinct record for the signature.
func (a *Aggregator) SetRepresentative(signature, id string) {
	if a.window <= 0 {
		return
	}
	a.mu.Lock()
	if st, ok := a.signatures[signature]; ok {
		st.representativeID = id
	}
	a.mu.Unlock()
}

// ClearRepresentative drops a signature's collapse target, e.g. when the
// record was removed by retention while the signature is still hot.
func (a *Aggregator) ClearRepresentative(signature string) {
	a.mu.Lock()
	if st, ok := a.signatures[signature]; ok {
		st.representativeID = ""
	}
	a.mu.Unlock()
}

// SetThreshold overrides the burst threshold for a command at runtime.
// A threshold <= 0 removes the override.
func (a *Aggregator) SetThreshold(commandName string, threshold int) {
	a.mu.Lock()
	if threshold <= 0 {
		delete(a.thresholds, commandName)
	} else {
		a.thresholds[commandName] = threshold
	}
	a.mu.Unlock()

	a.logger.Info("rate limit threshold updated",
		"command", commandName,
		"threshold", threshold,
	)
}

// Threshold returns the effective threshold for a command.
func (a *Aggregator) Threshold(commandName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.thresholdLocked(commandName)
}

// Thresholds returns a copy of the per-command overrides.
func (a *Aggregator) Thresholds() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.thresholds))
	for cmd, t := range a.thresholds {
		out[cmd] = t
	}
	return out
}

// Window returns the sliding-window duration.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

func (a *Aggregator) thresholdLocked(commandName string) int {
	if t, ok := a.thresholds[commandName]; ok {
		return t
	}
	return a.defaultThreshold
}

// countLocked sums in-window buckets for a signature. Must be called while
// a.mu is held.
func (a *Aggregator) countLocked(st *signatureState, now time.Time) int {
	cutoff := now.Add(-a.window).Truncate(bucketGranularity).Unix()
	total := 0
	for _, b := range st.buckets {
		if b.key >= cutoff {
			total += b.count
		}
	}
	return total
}

// gcLocked prunes buckets outside the window and drops signatures with no
// live buckets. Must be called while a.mu is held.
func (a *Aggregator) gcLocked(now time.Time) {
	cutoff := now.Add(-a.window).Truncate(bucketGranularity).Unix()
	pruned := 0

	for sig, st := range a.signatures {
		firstValid := len(st.buckets)
		for i, b := range st.buckets {
			if b.key >= cutoff {
				firstValid = i
				break
			}
		}

		if firstValid > 0 {
			pruned += firstValid
			st.buckets = st.buckets[firstValid:]
		}

		if len(st.buckets) == 0 {
			delete(a.signatures, sig)
		}
	}

	if pruned > 0 {
		a.logger.Debug("aggregator GC complete",
			"pruned_buckets", pruned,
			"active_signatures", len(a.signatures),
		)
	}
}
