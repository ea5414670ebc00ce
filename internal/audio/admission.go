package audio

import "time"

// PCM16 mono at 24 kHz, matching the upstream audio format.
const (
	SampleRate     = 24000
	bytesPerSample = 2

	// The upstream protocol hard-fails commits below this duration.
	MinCommitDuration = 100 * time.Millisecond

	graceDefault = 200 * time.Millisecond
	graceMin     = 150 * time.Millisecond
	graceMax     = 500 * time.Millisecond

	maxIntervalSamples = 10
)

// Decision is the admission outcome for a commit request.
type Decision int

const (
	// DecisionEmpty: no chunks recorded since the last reset. Rejected
	// immediately, no grace period.
	DecisionEmpty Decision = iota
	// DecisionNeedGrace: chunks exist; the caller should wait the verdict's
	// grace period for in-flight chunks, then call EvaluateAfterGrace.
	DecisionNeedGrace
	// DecisionInsufficient: accumulated audio is still below the minimum
	// after the grace period.
	DecisionInsufficient
	// DecisionReady: enough audio accumulated to forward the commit.
	DecisionReady
)

func (d Decision) String() string {
	switch d {
	case DecisionEmpty:
		return "empty"
	case DecisionNeedGrace:
		return "need_grace"
	case DecisionInsufficient:
		return "insufficient"
	case DecisionReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Verdict is the result of the pre-grace evaluation.
type Verdict struct {
	Decision Decision
	Grace    time.Duration
}

// Snapshot exposes the tracker counters for logging and tests.
type Snapshot struct {
	Bytes    int64
	Duration time.Duration
	Chunks   int
}

// AdmissionTracker accumulates inbound audio chunk metadata and decides
// whether a buffer is eligible for commit. It is owned by a single session
// and is not safe for concurrent use.
type AdmissionTracker struct {
	now func() time.Time

	bytes    int64
	duration time.Duration
	chunks   int

	lastArrival time.Time
	intervals   []time.Duration
}

func NewAdmissionTracker() *AdmissionTracker {
	return &AdmissionTracker{now: time.Now}
}

// newAdmissionTrackerWithClock is used by tests to control arrival timing.
func newAdmissionTrackerWithClock(now func() time.Time) *AdmissionTracker {
	return &AdmissionTracker{now: now}
}

// RecordChunk registers one inbound chunk. Duration is derived from the
// fixed sample geometry; the inter-arrival interval feeds the dynamic
// grace-period estimate.
func (t *AdmissionTracker) RecordChunk(byteLen int) {
	arrival := t.now()
	if !t.lastArrival.IsZero() {
		t.intervals = append(t.intervals, arrival.Sub(t.lastArrival))
		if len(t.intervals) > maxIntervalSamples {
			t.intervals = t.intervals[1:]
		}
	}
	t.lastArrival = arrival

	t.bytes += int64(byteLen)
	t.duration += ChunkDuration(byteLen)
	t.chunks++
}

// ChunkDuration converts a PCM16 mono byte count into play time.
func ChunkDuration(byteLen int) time.Duration {
	return time.Duration(byteLen) * time.Second / (bytesPerSample * SampleRate)
}

// EvaluateCommit is the pure pre-grace decision: an empty buffer is
// rejected immediately, otherwise the caller gets the grace period to wait
// before re-checking. The wait itself is the caller's side effect, which
// keeps this testable without real delays.
func (t *AdmissionTracker) EvaluateCommit() Verdict {
	if t.chunks == 0 && t.duration == 0 {
		return Verdict{Decision: DecisionEmpty}
	}
	return Verdict{Decision: DecisionNeedGrace, Grace: t.gracePeriod()}
}

// EvaluateAfterGrace re-checks the accumulated duration once in-flight
// chunks have had a chance to arrive.
func (t *AdmissionTracker) EvaluateAfterGrace() Decision {
	if t.duration < MinCommitDuration {
		return DecisionInsufficient
	}
	return DecisionReady
}

// gracePeriod estimates how long to wait for in-flight chunks:
// max(2×mean interval, max interval), clamped to [graceMin, graceMax],
// defaulting when no interval samples exist.
func (t *AdmissionTracker) gracePeriod() time.Duration {
	if len(t.intervals) == 0 {
		return graceDefault
	}
	var sum, max time.Duration
	for _, iv := range t.intervals {
		sum += iv
		if iv > max {
			max = iv
		}
	}
	mean := sum / time.Duration(len(t.intervals))
	grace := 2 * mean
	if max > grace {
		grace = max
	}
	if grace < graceMin {
		grace = graceMin
	}
	if grace > graceMax {
		grace = graceMax
	}
	return grace
}

// Reset clears all counters together. Callers must invoke it after every
// commit evaluation, accepted or rejected.
func (t *AdmissionTracker) Reset() {
	t.bytes = 0
	t.duration = 0
	t.chunks = 0
	t.lastArrival = time.Time{}
	t.intervals = t.intervals[:0]
}

func (t *AdmissionTracker) Snapshot() Snapshot {
	return Snapshot{Bytes: t.bytes, Duration: t.duration, Chunks: t.chunks}
}
