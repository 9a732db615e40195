// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/basketfi/vault-engine/internal/model"
)

// ErrNotFound is returned when a requested auction does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists the immutable event journal and the auction table.
// PostgreSQL is the source of truth; Redis provides a read-through cache.
type Store interface {
	// --- Immutable journal ---

	// InsertEvent appends an immutable journal record.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns all journal records in insertion order.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// GetEventsByAccount returns records where the account appears as
	// sender or receiver, in insertion order.
	GetEventsByAccount(ctx context.Context, account string) ([]model.Event, error)

	// --- Auction table ---

	// NextAuctionID allocates a monotonically increasing id, never reused.
	NextAuctionID(ctx context.Context) (uint64, error)

	// SaveAuction persists a newly initiated auction.
	SaveAuction(ctx context.Context, a *model.Auction) error

	// GetAuction retrieves an auction by id, or ErrNotFound.
	GetAuction(ctx context.Context, id uint64) (*model.Auction, error)

	// ListAuctions returns all auctions in id order.
	ListAuctions(ctx context.Context) ([]model.Auction, error)

	// UpdateAuction overwrites an existing auction's bid slot and open flag.
	UpdateAuction(ctx context.Context, a *model.Auction) error
}
