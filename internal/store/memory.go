package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/basketfi/vault-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	journal  []model.Event
	auctions map[uint64]*model.Auction
	nextID   uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[uint64]*model.Auction),
	}
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, len(s.journal))
	copy(out, s.journal)
	return out, nil
}

func (s *MemoryStore) GetEventsByAccount(_ context.Context, account string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Event
	for _, e := range s.journal {
		if e.From == account || e.To == account {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) NextAuctionID(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *MemoryStore) SaveAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.auctions[a.ID]; exists {
		return fmt.Errorf("auction %d already exists", a.ID)
	}
	cp := cloneAuction(a)
	s.auctions[a.ID] = cp
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id uint64) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %d: %w", id, ErrNotFound)
	}
	return cloneAuction(a), nil
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		out = append(out, *cloneAuction(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; !ok {
		return fmt.Errorf("auction %d: %w", a.ID, ErrNotFound)
	}
	s.auctions[a.ID] = cloneAuction(a)
	return nil
}

// cloneAuction copies an auction including its bid slot to avoid external
// mutation.
func cloneAuction(a *model.Auction) *model.Auction {
	cp := *a
	if a.Bid != nil {
		bid := *a.Bid
		cp.Bid = &bid
	}
	return &cp
}
