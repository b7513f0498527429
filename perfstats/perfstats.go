// Package perfstats records per-frame timing and scalar statistics across
// the allocate/update/propagate/raycast pipeline stages, the way the
// original mapping core's se::PerfStats accumulates named samples per
// iteration and merges them into a mean/min/max/sum summary on demand.
package perfstats

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"go.viam.com/voxmap/logging"
)

// Summary is a merged view across every frame a key was sampled in.
type Summary struct {
	Mean, Min, Max, Sum float64
	Count               int
}

// Recorder accumulates named samples keyed by frame number. It is safe
// for concurrent use since integrate's per-block workers may each want
// to record their own timing.
type Recorder struct {
	mu      sync.Mutex
	frame   int64
	samples map[string]map[int64][]float64
	order   []string
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{samples: map[string]map[int64][]float64{}}
}

// BeginFrame sets the frame number subsequent samples are attributed to.
func (r *Recorder) BeginFrame(frame int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = frame
}

// Sample records a single scalar value against key for the current frame.
func (r *Recorder) Sample(key string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(r.frame, key, value)
}

func (r *Recorder) record(frame int64, key string, value float64) {
	perFrame, ok := r.samples[key]
	if !ok {
		perFrame = map[int64][]float64{}
		r.samples[key] = perFrame
		r.order = append(r.order, key)
	}
	perFrame[frame] = append(perFrame[frame], value)
}

// Start begins a duration sample for key against the current frame and
// returns a function that ends it, recording elapsed wall time in
// seconds — the Go analog of sampleDurationStart/sampleDurationEnd.
func (r *Recorder) Start(key string) func() {
	begin := time.Now()
	frame := r.currentFrame()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.record(frame, key, time.Since(begin).Seconds())
	}
}

func (r *Recorder) currentFrame() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

// Keys returns every phase name recorded so far, in first-seen order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Summarize merges every frame's samples for key into an overall
// mean/min/max/sum, mirroring writeSummaryToOStream's per-stat summary.
func (r *Recorder) Summarize(key string) (Summary, bool) {
	r.mu.Lock()
	perFrame, ok := r.samples[key]
	if !ok {
		r.mu.Unlock()
		return Summary{}, false
	}
	flat := make([]float64, 0, len(perFrame))
	for _, values := range perFrame {
		flat = append(flat, values...)
	}
	r.mu.Unlock()

	if len(flat) == 0 {
		return Summary{}, false
	}
	mean, _ := stats.Mean(flat)
	min, _ := stats.Min(flat)
	max, _ := stats.Max(flat)
	sum, _ := stats.Sum(flat)
	return Summary{Mean: mean, Min: min, Max: max, Sum: sum, Count: len(flat)}, true
}

// LogSummary writes a summary line per key to logger at info level, the
// way a component logs its own accumulated stats on shutdown.
func (r *Recorder) LogSummary(logger logging.Logger) {
	for _, key := range r.Keys() {
		summary, ok := r.Summarize(key)
		if !ok {
			continue
		}
		logger.Infow("perfstats summary",
			"phase", key,
			"mean_s", summary.Mean,
			"min_s", summary.Min,
			"max_s", summary.Max,
			"sum_s", summary.Sum,
			"count", summary.Count,
		)
	}
}
