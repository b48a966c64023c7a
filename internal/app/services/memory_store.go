package services

import (
	"context"
	"sync"

	"github.com/johoja12/nzbstream/internal/core/ports"
)

// MemoryAffinityStore is the in-process AffinityStore used when no
// durable backend is wired. Collaborators that persist to SQL implement
// the same interface outside the core.
type MemoryAffinityStore struct {
	mu      sync.Mutex
	records []ports.AffinityRecord
}

var _ ports.AffinityStore = (*MemoryAffinityStore)(nil)

func NewMemoryAffinityStore() *MemoryAffinityStore {
	return &MemoryAffinityStore{}
}

func (s *MemoryAffinityStore) Load(_ context.Context) ([]ports.AffinityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.AffinityRecord(nil), s.records...), nil
}

func (s *MemoryAffinityStore) Save(_ context.Context, records []ports.AffinityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]ports.AffinityRecord(nil), records...)
	return nil
}

// StaticBenchmarkSource serves a fixed per-provider throughput table,
// typically loaded from a one-off speed test.
type StaticBenchmarkSource struct {
	Speeds map[int]float64
}

var _ ports.BenchmarkSource = (*StaticBenchmarkSource)(nil)

func (s *StaticBenchmarkSource) BenchmarkSpeeds(_ context.Context) (map[int]float64, error) {
	return s.Speeds, nil
}
