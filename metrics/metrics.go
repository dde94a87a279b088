// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics records per-engine statistics of outbound exchanges:
// bucketed histograms of durations and plain counters, addressed by a path
// such as ("engine", "wikipedia", "time", "http").
package metrics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/httpmount"
)

const (
	// DefaultWidth is the bucket width, in seconds, of time histograms.
	DefaultWidth = 0.1
	// minMaxTimeout is the smallest timeout time histograms are sized for.
	minMaxTimeout = 2 * time.Second
)

var errNotConfigured = errors.New("metric is not configured")

// Histogram counts observations in buckets of equal width. Values below
// zero land in the first bucket and values beyond the last bucket in the
// last one. It is safe for concurrent use.
type Histogram struct {
	width float64

	mu sync.Mutex
	// +checklocks:mu
	buckets []int64
	// +checklocks:mu
	count int64
	// +checklocks:mu
	sum float64
}

// NewHistogram returns a histogram of size buckets of the given width.
func NewHistogram(width float64, size int) *Histogram {
	if width <= 0 {
		width = 1
	}
	if size <= 0 {
		size = 1
	}
	return &Histogram{width: width, buckets: make([]int64, size)}
}

// Observe records a value.
func (h *Histogram) Observe(value float64) {
	bucket := 0
	if quotient := value / h.width; quotient > 0 {
		bucket = int(math.Min(quotient, float64(len(h.buckets)-1)))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buckets[bucket]++
	h.count++
	h.sum += value
}

// Count returns the number of observed values.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Average returns the mean of observed values, or zero if there are none.
func (h *Histogram) Average() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Percentage returns the lower bound of the bucket holding the given
// percentile. The second result is false if nothing was observed.
func (h *Histogram) Percentage(percentile float64) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0, false
	}
	stopAt := float64(h.count) * percentile / 100
	var seen int64
	for i, bucketCount := range h.buckets {
		seen += bucketCount
		if float64(seen) >= stopAt {
			return float64(i) * h.width, true
		}
	}
	return 0, false
}

// Counter is an integer that only changes through Add. It is safe for
// concurrent use.
type Counter struct {
	mu sync.Mutex
	// +checklocks:mu
	value int64
}

func (c *Counter) Add(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
}

func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Storage holds histograms and counters by path. Metrics must be
// configured before they can be recorded.
type Storage struct {
	mu sync.RWMutex
	// +checklocks:mu
	histograms map[string]*Histogram
	// +checklocks:mu
	counters map[string]*Counter
}

func NewStorage() *Storage {
	return &Storage{
		histograms: map[string]*Histogram{},
		counters:   map[string]*Counter{},
	}
}

// Initialize returns a storage with the metrics of the given engines
// configured. Time histograms cover one and a half times the largest
// timeout, which is never less than two seconds.
func Initialize(engines []string, maxTimeout time.Duration) *Storage {
	maxTimeout = max(maxTimeout, minMaxTimeout)
	size := int(1.5 * maxTimeout.Seconds() / DefaultWidth)
	storage := NewStorage()
	for _, engine := range engines {
		for _, outcome := range []string{"sent", "successful", "error"} {
			storage.ConfigureCounter("engine", engine, "search", "count", outcome)
		}
		storage.ConfigureCounter("engine", engine, "score")
		for _, class := range []string{"1xx", "2xx", "3xx", "4xx", "5xx", "other"} {
			storage.ConfigureCounter("engine", engine, "response", class)
		}
		storage.ConfigureHistogram(1, 100, "engine", engine, "result", "count")
		storage.ConfigureHistogram(DefaultWidth, size, "engine", engine, "time", "http")
		storage.ConfigureHistogram(DefaultWidth, size, "engine", engine, "time", "total")
	}
	return storage
}

func key(path []string) string {
	return strings.Join(path, "/")
}

// ConfigureHistogram creates the histogram at path, replacing any existing
// one.
func (s *Storage) ConfigureHistogram(width float64, size int, path ...string) *Histogram {
	histogram := NewHistogram(width, size)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histograms[key(path)] = histogram
	return histogram
}

// ConfigureCounter creates the counter at path, replacing any existing one.
func (s *Storage) ConfigureCounter(path ...string) *Counter {
	counter := &Counter{}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key(path)] = counter
	return counter
}

// Histogram returns the histogram at path, or nil.
func (s *Storage) Histogram(path ...string) *Histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.histograms[key(path)]
}

// Counter returns the counter at path, or nil.
func (s *Storage) Counter(path ...string) *Counter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[key(path)]
}

// Observe records value in the histogram at path.
func (s *Storage) Observe(value float64, path ...string) error {
	histogram := s.Histogram(path...)
	if histogram == nil {
		return fmt.Errorf("histogram %s: %w", key(path), errNotConfigured)
	}
	histogram.Observe(value)
	return nil
}

// Add adds delta to the counter at path.
func (s *Storage) Add(delta int64, path ...string) error {
	counter := s.Counter(path...)
	if counter == nil {
		return fmt.Errorf("counter %s: %w", key(path), errNotConfigured)
	}
	counter.Add(delta)
	return nil
}

// Counters returns the values of all counters whose path starts with
// prefix, keyed by their full path.
func (s *Storage) Counters(prefix ...string) map[string]int64 {
	start := key(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := map[string]int64{}
	for path, counter := range s.counters {
		if strings.HasPrefix(path, start) {
			values[path] = counter.Value()
		}
	}
	return values
}

// Paths returns the sorted paths of all configured histograms.
func (s *Storage) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.histograms))
	for path := range s.histograms {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Observer returns a response observer that records the duration of each
// exchange in ("engine", engine, "time", "http") and counts responses by
// status class in ("engine", engine, "response", class).
func Observer(storage *Storage, engine string) func(httpmount.ResponseInfo) error {
	return func(info httpmount.ResponseInfo) error {
		if err := storage.Observe(info.Elapsed.Seconds(), "engine", engine, "time", "http"); err != nil {
			return err
		}
		return storage.Add(1, "engine", engine, "response", StatusClass(info.StatusCode))
	}
}

// StatusClass returns "1xx" through "5xx", or "other".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", code/100)
}
