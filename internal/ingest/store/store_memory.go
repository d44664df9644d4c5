package store

import (
	"context"
	"fmt"
	"sync"

	"landprice/internal/geo"
	"landprice/internal/ingest/models"
	"landprice/pkg/platform/sentinel"
)

// MemoryStore is an in-memory implementation of the store interfaces used by
// unit tests and local dry runs. Same upsert semantics as PostgresStore,
// minus durability.
type MemoryStore struct {
	mu            sync.RWMutex
	transactions  map[string]*models.Transaction
	prefectures   map[string]geo.Prefecture
	municipality  map[string]string
	stations      map[string]string
	propertyTypes map[int]string
	fxRates       map[string]models.FXRate
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		transactions:  make(map[string]*models.Transaction),
		prefectures:   make(map[string]geo.Prefecture),
		municipality:  make(map[string]string),
		stations:      make(map[string]string),
		propertyTypes: make(map[int]string),
		fxRates:       make(map[string]models.FXRate),
	}
}

func (s *MemoryStore) UpsertBatch(_ context.Context, batch []*models.Transaction) (models.LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result models.LoadResult
	for _, t := range batch {
		cp := *t
		if _, exists := s.transactions[t.SourceHash]; exists {
			result.Updated++
		} else {
			result.Inserted++
		}
		s.transactions[t.SourceHash] = &cp
	}
	return result, nil
}

func (s *MemoryStore) EnsurePrefecture(_ context.Context, p geo.Prefecture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.prefectures[p.Code]; !exists {
		s.prefectures[p.Code] = p
	}
	return nil
}

func (s *MemoryStore) EnsureMunicipality(_ context.Context, code, prefectureCode, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.municipality[code]; !exists {
		s.municipality[code] = name
	}
	_ = prefectureCode
	return nil
}

func (s *MemoryStore) EnsureStation(_ context.Context, code, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stations[code]; !exists {
		s.stations[code] = name
	}
	return nil
}

func (s *MemoryStore) EnsurePropertyType(_ context.Context, id int, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.propertyTypes[id]; !exists {
		s.propertyTypes[id] = label
	}
	return nil
}

func (s *MemoryStore) FindRate(_ context.Context, currency string, year, quarter int) (*models.FXRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.fxRates[fxKey(currency, year, quarter)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &rate, nil
}

func (s *MemoryStore) UpsertRate(_ context.Context, rate models.FXRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fxRates[fxKey(rate.Currency, rate.Year, rate.Quarter)] = rate
	return nil
}

// Find returns the stored transaction for a source hash, for test assertions.
func (s *MemoryStore) Find(sourceHash string) (*models.Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[sourceHash]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Len returns the number of distinct stored transactions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}

// HasMunicipality reports whether a municipality row was ensured.
func (s *MemoryStore) HasMunicipality(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.municipality[code]
	return ok
}

// HasPrefecture reports whether a prefecture row was ensured.
func (s *MemoryStore) HasPrefecture(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.prefectures[code]
	return ok
}

// FXLen returns the number of stored FX rates.
func (s *MemoryStore) FXLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fxRates)
}

func fxKey(currency string, year, quarter int) string {
	return fmt.Sprintf("%s/%dQ%d", currency, year, quarter)
}
