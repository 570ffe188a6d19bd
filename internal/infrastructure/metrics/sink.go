// Package metrics collects per-update key/value diagnostics and dumps them
// to logs, memory or storage.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// StepKey is the key under which the training loop logs the update number.
// Sinks that index rows by update read it from the pending values.
const StepKey = "nupdates"

// Sink receives diagnostics. LogKV buffers a value, Dump flushes every
// buffered value as one record.
type Sink interface {
	LogKV(key string, v float64)
	Dump(ctx context.Context) error
}

// KV is one logged value.
type KV struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// Pending buffers values between dumps. The last value logged under a key
// wins; keys keep their first-logged order.
type Pending struct {
	mu     sync.Mutex
	order  []string
	values map[string]float64
}

// LogKV buffers a value.
func (p *Pending) LogKV(key string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.values == nil {
		p.values = make(map[string]float64)
	}
	if _, ok := p.values[key]; !ok {
		p.order = append(p.order, key)
	}
	p.values[key] = v
}

// Drain returns the buffered values in logging order and clears the buffer.
func (p *Pending) Drain() []KV {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KV, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, KV{Key: k, Value: p.values[k]})
	}
	p.order = nil
	p.values = nil
	return out
}

// Step returns the value logged under StepKey, or -1.
func Step(record []KV) int {
	for _, kv := range record {
		if kv.Key == StepKey && !math.IsNaN(kv.Value) {
			return int(kv.Value)
		}
	}
	return -1
}

// SlogSink writes each dump as one structured log line.
type SlogSink struct {
	Pending
	logger *slog.Logger
	level  slog.Level
}

// NewSlogSink creates a sink logging at Info. A nil logger uses slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger, level: slog.LevelInfo}
}

// Dump logs the buffered values sorted by key.
func (s *SlogSink) Dump(ctx context.Context) error {
	record := s.Drain()
	if len(record) == 0 {
		return nil
	}
	sort.Slice(record, func(i, j int) bool { return record[i].Key < record[j].Key })

	attrs := make([]slog.Attr, 0, len(record))
	for _, kv := range record {
		attrs = append(attrs, slog.Float64(kv.Key, kv.Value))
	}
	s.logger.LogAttrs(ctx, s.level, "update", attrs...)
	return nil
}

// MemorySink keeps every dumped record.
type MemorySink struct {
	Pending
	mu      sync.Mutex
	records [][]KV
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Dump appends the buffered values as a record.
func (m *MemorySink) Dump(ctx context.Context) error {
	record := m.Drain()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Records returns the dumped records.
func (m *MemorySink) Records() [][]KV {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]KV, len(m.records))
	copy(out, m.records)
	return out
}

// Series returns every dumped value of one key.
func (m *MemorySink) Series(key string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float64
	for _, rec := range m.records {
		for _, kv := range rec {
			if kv.Key == key {
				out = append(out, kv.Value)
			}
		}
	}
	return out
}

// Fanout forwards to several sinks.
type Fanout []Sink

// LogKV forwards to every sink.
func (f Fanout) LogKV(key string, v float64) {
	for _, s := range f {
		s.LogKV(key, v)
	}
}

// Dump dumps every sink and joins their errors.
func (f Fanout) Dump(ctx context.Context) error {
	var errs []error
	for _, s := range f {
		if err := s.Dump(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
