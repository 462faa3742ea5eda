// Package stats is the process-wide counter and sampler registry. It is
// intentionally the one ambient singleton-like dependency in this module,
// but is never reached for through a package global: every component that
// increments a counter takes a *Registry in its constructor.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Direction qualifies whether a counted event happened on the in or out
// side of a component.
type Direction string

const (
	DirIn   Direction = "in"
	DirOut  Direction = "out"
	DirNone Direction = ""
)

// All is the synthetic detail value used for the per-(type,direction)
// aggregate that add() maintains alongside every non-aggregate detail.
const All = "all"

type key struct {
	Type      string
	Detail    string
	Direction Direction
}

func (k key) Less(o key) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	if k.Detail != o.Detail {
		return k.Detail < o.Detail
	}
	return k.Direction < o.Direction
}

type sampler struct {
	mu       sync.Mutex
	values   []int64
	min, max int64
	cap      int
}

func newSampler(expectedMin, expectedMax int64, capacity int) *sampler {
	return &sampler{min: expectedMin, max: expectedMax, cap: capacity}
}

func (s *sampler) append(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, v)
	if len(s.values) > s.cap {
		s.values = s.values[len(s.values)-s.cap:]
	}
}

func (s *sampler) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.values))
	copy(out, s.values)
	return out
}

// Sink receives periodic flushes of counters and samples. Implementations
// must not block the caller for long; the background flusher swallows sink
// errors, but log_counters/log_samples callers see them.
type Sink interface {
	WriteCounters(counters map[string]int64, since time.Time) error
	WriteSamples(samples map[string][]int64) error
}

// Registry is the stats backbone described in spec §4.A. Zero value is not
// usable; construct with New.
type Registry struct {
	logStats bool

	mu       sync.RWMutex // guards map structure only; cells are atomic
	counters map[key]*int64

	sampleMu sync.Mutex
	samplers map[string]*sampler
	sampleCap int

	resetAt atomic.Value // time.Time

	sinks []Sink

	stopped   atomic.Bool
	stopOnce  sync.Once
	done      chan struct{}
	counterEvery time.Duration
	sampleEvery  time.Duration
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithSink registers a flush target. Multiple sinks may be attached.
func WithSink(s Sink) Option {
	return func(r *Registry) { r.sinks = append(r.sinks, s) }
}

// WithFlushIntervals overrides the default 1s background flush cadence for
// counters and samples independently (spec §5: "background thread sleeps
// on a condition variable with a 1-second timeout").
func WithFlushIntervals(counters, samples time.Duration) Option {
	return func(r *Registry) {
		r.counterEvery = counters
		r.sampleEvery = samples
	}
}

// WithSampleCapacity bounds the ring buffer length per sampler key.
func WithSampleCapacity(n int) Option {
	return func(r *Registry) { r.sampleCap = n }
}

// New builds a Registry. logStats mirrors the NANO_LOG_STATS environment
// variable (spec §6): when true, every add() is additionally logged at
// debug level through the standard logrus logger.
func New(logStats bool, opts ...Option) *Registry {
	r := &Registry{
		logStats:     logStats,
		counters:     make(map[key]*int64),
		samplers:     make(map[string]*sampler),
		sampleCap:    1024,
		done:         make(chan struct{}),
		counterEvery: time.Second,
		sampleEvery:  time.Second,
	}
	r.resetAt.Store(time.Now())
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts the background flusher. It blocks until Stop is called, so
// callers run it in its own goroutine.
func (r *Registry) Run() {
	counterTicker := time.NewTicker(r.counterEvery)
	sampleTicker := time.NewTicker(r.sampleEvery)
	defer counterTicker.Stop()
	defer sampleTicker.Stop()
	for {
		select {
		case <-counterTicker.C:
			_ = r.LogCounters()
		case <-sampleTicker.C:
			_ = r.LogSamples()
		case <-r.done:
			return
		}
	}
}

// Stop halts the background flusher. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.done)
	})
}

func (r *Registry) cell(k key, create bool) *int64 {
	r.mu.RLock()
	c, ok := r.counters[k]
	r.mu.RUnlock()
	if ok || !create {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[k]; ok {
		return c
	}
	c = new(int64)
	r.counters[k] = c
	return c
}

// Add increases the counter at (typ, detail, dir) by value. A zero value is
// a no-op. Adding also bumps the synthetic (typ, All, dir) aggregate; Count
// on the non-aggregate key never touches the aggregate (spec §4.A).
func (r *Registry) Add(typ, detail string, dir Direction, value int64) {
	if value == 0 {
		return
	}
	c := r.cell(key{typ, detail, dir}, true)
	atomic.AddInt64(c, value)
	if detail != All {
		agg := r.cell(key{typ, All, dir}, true)
		atomic.AddInt64(agg, value)
	}
	if r.logStats {
		logrus.WithFields(logrus.Fields{
			"type": typ, "detail": detail, "dir": string(dir), "value": value,
		}).Debug("stat")
	}
}

// Inc is shorthand for Add(typ, detail, dir, 1).
func (r *Registry) Inc(typ, detail string, dir Direction) {
	r.Add(typ, detail, dir, 1)
}

// Count returns the current counter at (typ, detail, dir), or 0 if never
// incremented.
func (r *Registry) Count(typ, detail string, dir Direction) int64 {
	c := r.cell(key{typ, detail, dir}, false)
	if c == nil {
		return 0
	}
	return atomic.LoadInt64(c)
}

// CountAll sums the counters for typ/dir across every detail except All.
func (r *Registry) CountAll(typ string, dir Direction) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for k, c := range r.counters {
		if k.Type == typ && k.Direction == dir && k.Detail != All {
			total += atomic.LoadInt64(c)
		}
	}
	return total
}

// Sample appends value to the bounded ring buffer for key, allocating it
// (with the given expected range, used only as metadata for sinks) on
// first use.
func (r *Registry) Sample(key string, value int64, expectedMin, expectedMax int64) {
	r.sampleMu.Lock()
	s, ok := r.samplers[key]
	if !ok {
		s = newSampler(expectedMin, expectedMax, r.sampleCap)
		r.samplers[key] = s
	}
	r.sampleMu.Unlock()
	s.append(value)
}

// Clear resets every counter, every sampler, and the reset timestamp.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.counters = make(map[key]*int64)
	r.mu.Unlock()

	r.sampleMu.Lock()
	r.samplers = make(map[string]*sampler)
	r.sampleMu.Unlock()

	r.resetAt.Store(time.Now())
}

// ResetAt returns the timestamp of the last Clear (or construction).
func (r *Registry) ResetAt() time.Time {
	return r.resetAt.Load().(time.Time)
}

func (r *Registry) sortedKeys() []key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]key, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (r *Registry) flattenCounters() map[string]int64 {
	out := make(map[string]int64)
	for _, k := range r.sortedKeys() {
		c := r.cell(k, false)
		if c == nil {
			continue
		}
		out[k.Type+"/"+k.Detail+"/"+string(k.Direction)] = atomic.LoadInt64(c)
	}
	return out
}

// LogCounters flushes the current counter snapshot to every attached sink,
// returning the first error encountered (unlike the background flusher,
// which logs and continues).
func (r *Registry) LogCounters() error {
	snap := r.flattenCounters()
	var firstErr error
	for _, s := range r.sinks {
		if err := s.WriteCounters(snap, r.ResetAt()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogSamples flushes the current sampler snapshots to every attached sink.
func (r *Registry) LogSamples() error {
	r.sampleMu.Lock()
	snap := make(map[string][]int64, len(r.samplers))
	for k, s := range r.samplers {
		snap[k] = s.snapshot()
	}
	r.sampleMu.Unlock()

	var firstErr error
	for _, s := range r.sinks {
		if err := s.WriteSamples(snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
