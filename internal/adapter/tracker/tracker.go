package tracker

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kestrel-labs/sluice/internal/config"
)

// Tracker records per-thread stage timings for a deterministic sample of
// traffic. Tracking is observability only: it must never fail a request, so
// every method tolerates unknown threads and returns rather than errors.
type Tracker struct {
	logger       *slog.Logger
	threads      *xsync.Map[string, *threadRecord]
	stages       *xsync.Map[string, *stageHistory]
	sampleRate   float64
	historyLimit int
	enabled      bool
}

// StageEvent is one completed stage or substage within a thread.
type StageEvent struct {
	Start    time.Time     `json:"start"`
	Stage    string        `json:"stage"`
	Substage string        `json:"substage,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
}

// ExecutionSummary is the admin view of one tracked thread.
type ExecutionSummary struct {
	ThreadID      string        `json:"thread_id"`
	Events        []StageEvent  `json:"events"`
	TotalDuration time.Duration `json:"total_duration"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
}

// StageStats aggregates the most recent samples of one stage across threads.
type StageStats struct {
	Stage       string        `json:"stage"`
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	Mean        time.Duration `json:"mean"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
}

type threadRecord struct {
	mu     sync.Mutex
	events []StageEvent
}

type stageHistory struct {
	mu      sync.Mutex
	samples []stageSample
	next    int
	full    bool
}

type stageSample struct {
	duration time.Duration
	success  bool
}

func New(cfg *config.TrackingConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:       logger,
		threads:      xsync.NewMap[string, *threadRecord](),
		stages:       xsync.NewMap[string, *stageHistory](),
		sampleRate:   cfg.SampleRate,
		historyLimit: cfg.HistoryLimit,
		enabled:      cfg.Enabled,
	}
}

// ShouldTrack decides deterministically per thread: the same thread id always
// lands on the same side of the sampling cut, so a thread is either tracked
// for its whole lifetime or not at all.
func (t *Tracker) ShouldTrack(threadID string) bool {
	if !t.enabled || t.sampleRate <= 0 {
		return false
	}
	if t.sampleRate >= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	return h.Sum32()%100 < uint32(t.sampleRate*100)
}

// StartStage begins timing a stage and returns the function that ends it.
// The returned closure is safe to call exactly once with the stage outcome.
func (t *Tracker) StartStage(threadID, stage string) func(err error) {
	return t.start(threadID, stage, "")
}

// StartSubstage times a named step inside a stage. Substages land in the
// thread timeline but not in cross-thread stage statistics.
func (t *Tracker) StartSubstage(threadID, stage, substage string) func(err error) {
	return t.start(threadID, stage, substage)
}

func (t *Tracker) start(threadID, stage, substage string) func(err error) {
	if !t.ShouldTrack(threadID) {
		return func(error) {}
	}
	begin := time.Now()
	return func(err error) {
		event := StageEvent{
			Stage:    stage,
			Substage: substage,
			Start:    begin,
			Duration: time.Since(begin),
			Success:  err == nil,
		}
		if err != nil {
			event.Error = err.Error()
		}
		t.record(threadID, event)
	}
}

// TrackStage runs fn under a timed stage and passes its error through.
func (t *Tracker) TrackStage(threadID, stage string, fn func() error) error {
	end := t.StartStage(threadID, stage)
	err := fn()
	end(err)
	return err
}

func (t *Tracker) record(threadID string, event StageEvent) {
	rec, _ := t.threads.LoadOrStore(threadID, &threadRecord{})
	rec.mu.Lock()
	rec.events = append(rec.events, event)
	rec.mu.Unlock()

	if event.Substage != "" {
		return
	}
	hist, _ := t.stages.LoadOrStore(event.Stage, &stageHistory{})
	hist.add(stageSample{duration: event.Duration, success: event.Success}, t.historyLimit)
}

func (h *stageHistory) add(s stageSample, limit int) {
	if limit <= 0 {
		limit = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) < limit {
		h.samples = append(h.samples, s)
		return
	}
	// ring overwrite once the window is full
	h.samples[h.next] = s
	h.next = (h.next + 1) % limit
	h.full = true
}

// Summary returns the recorded timeline for a thread, or nil when the thread
// was never tracked.
func (t *Tracker) Summary(threadID string) *ExecutionSummary {
	rec, ok := t.threads.Load(threadID)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	events := make([]StageEvent, len(rec.events))
	copy(events, rec.events)
	rec.mu.Unlock()

	summary := &ExecutionSummary{ThreadID: threadID, Events: events}
	for _, e := range events {
		if e.Substage == "" {
			summary.TotalDuration += e.Duration
		}
		if e.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary
}

// StageStatistics aggregates the retained window for one stage. Returns nil
// when the stage has no samples yet.
func (t *Tracker) StageStatistics(stage string) *StageStats {
	hist, ok := t.stages.Load(stage)
	if !ok {
		return nil
	}
	hist.mu.Lock()
	samples := make([]stageSample, len(hist.samples))
	copy(samples, hist.samples)
	hist.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}

	durations := make([]time.Duration, len(samples))
	var sum time.Duration
	succeeded := 0
	for i, s := range samples {
		durations[i] = s.duration
		sum += s.duration
		if s.success {
			succeeded++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	return &StageStats{
		Stage:       stage,
		Count:       len(samples),
		SuccessRate: float64(succeeded) / float64(len(samples)),
		Mean:        sum / time.Duration(len(samples)),
		P50:         percentile(durations, 0.50),
		P95:         percentile(durations, 0.95),
		P99:         percentile(durations, 0.99),
		Min:         durations[0],
		Max:         durations[len(durations)-1],
	}
}

// AllStageStatistics snapshots every stage for the admin endpoint.
func (t *Tracker) AllStageStatistics() map[string]*StageStats {
	out := make(map[string]*StageStats)
	t.stages.Range(func(stage string, _ *stageHistory) bool {
		if stats := t.StageStatistics(stage); stats != nil {
			out[stage] = stats
		}
		return true
	})
	return out
}

// ClearThread drops the per-thread timeline. Aggregated stage statistics are
// kept; they are bounded by the history window, not by thread count.
func (t *Tracker) ClearThread(threadID string) {
	t.threads.Delete(threadID)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
