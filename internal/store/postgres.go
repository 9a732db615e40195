package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/basketfi/vault-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			from_account TEXT NOT NULL DEFAULT '',
			to_account   TEXT NOT NULL DEFAULT '',
			amount       NUMERIC NOT NULL DEFAULT 0,
			token        TEXT NOT NULL DEFAULT '',
			collateral   TEXT NOT NULL DEFAULT '',
			old_status   TEXT NOT NULL DEFAULT '',
			new_status   TEXT NOT NULL DEFAULT '',
			auction_id   BIGINT,
			timestamp    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS events_from_idx ON events (from_account);
		CREATE INDEX IF NOT EXISTS events_to_idx ON events (to_account);

		CREATE TABLE IF NOT EXISTS auctions (
			id              BIGINT PRIMARY KEY,
			origin          TEXT NOT NULL,
			sell_token      TEXT NOT NULL,
			buy_token       TEXT NOT NULL,
			sell_amount     NUMERIC NOT NULL,
			min_buy_amount  NUMERIC NOT NULL,
			start_time      TIMESTAMPTZ NOT NULL,
			end_time        TIMESTAMPTZ NOT NULL,
			open            BOOLEAN NOT NULL,
			bidder          TEXT,
			bid_sell_amount NUMERIC,
			bid_buy_amount  NUMERIC
		);
	`)
	return err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, from_account, to_account, amount, token, collateral, old_status, new_status, auction_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Type, e.From, e.To, e.Amount.String(), e.Token, e.Collateral,
		string(e.OldStatus), string(e.NewStatus), e.AuctionID, e.Timestamp,
	)
	return err
}

const eventColumns = `id, type, from_account, to_account, amount::TEXT, token,
       collateral, old_status, new_status, auction_id, timestamp`

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY timestamp, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) GetEventsByAccount(ctx context.Context, account string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE from_account = $1 OR to_account = $1
		 ORDER BY timestamp, id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// NextAuctionID allocates the next id. Initiation is serialized by the
// auction service mutex (single-instance); for horizontal scaling replace
// with a database sequence.
func (s *PostgresStore) NextAuctionID(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id) + 1, 0) FROM auctions`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next auction id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) SaveAuction(ctx context.Context, a *model.Auction) error {
	bidder, bidSell, bidBuy := bidFields(a.Bid)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (id, origin, sell_token, buy_token, sell_amount, min_buy_amount,
		                       start_time, end_time, open, bidder, bid_sell_amount, bid_buy_amount)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Origin, a.SellToken, a.BuyToken,
		a.SellAmount.String(), a.MinBuyAmount.String(),
		a.StartTime, a.EndTime, a.Open,
		bidder, bidSell, bidBuy,
	)
	return err
}

const auctionColumns = `id, origin, sell_token, buy_token,
       sell_amount::TEXT, min_buy_amount::TEXT, start_time, end_time, open,
       bidder, bid_sell_amount::TEXT, bid_buy_amount::TEXT`

func (s *PostgresStore) GetAuction(ctx context.Context, id uint64) (*model.Auction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("auction %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %d: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) UpdateAuction(ctx context.Context, a *model.Auction) error {
	bidder, bidSell, bidBuy := bidFields(a.Bid)
	tag, err := s.pool.Exec(ctx,
		`UPDATE auctions
		 SET open = $2, bidder = $3, bid_sell_amount = $4, bid_buy_amount = $5
		 WHERE id = $1`,
		a.ID, a.Open, bidder, bidSell, bidBuy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

// --- row helpers ---

func bidFields(b *model.Bid) (bidder, sell, buy *string) {
	if b == nil {
		return nil, nil, nil
	}
	s := b.SellAmount.String()
	bu := b.BuyAmount.String()
	return &b.Bidder, &s, &bu
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row pgxRow) (*model.Auction, error) {
	var a model.Auction
	var sellS, minBuyS string
	var bidder, bidSellS, bidBuyS *string

	if err := row.Scan(&a.ID, &a.Origin, &a.SellToken, &a.BuyToken,
		&sellS, &minBuyS, &a.StartTime, &a.EndTime, &a.Open,
		&bidder, &bidSellS, &bidBuyS); err != nil {
		return nil, err
	}

	a.SellAmount, _ = decimal.NewFromString(sellS)
	a.MinBuyAmount, _ = decimal.NewFromString(minBuyS)

	if bidder != nil && bidSellS != nil && bidBuyS != nil {
		bid := model.Bid{Bidder: *bidder}
		bid.SellAmount, _ = decimal.NewFromString(*bidSellS)
		bid.BuyAmount, _ = decimal.NewFromString(*bidBuyS)
		a.Bid = &bid
	}
	return &a, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var amountS, oldS, newS string

		if err := rows.Scan(&e.ID, &e.Type, &e.From, &e.To, &amountS, &e.Token,
			&e.Collateral, &oldS, &newS, &e.AuctionID, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Amount, _ = decimal.NewFromString(amountS)
		e.OldStatus = model.Status(oldS)
		e.NewStatus = model.Status(newS)
		events = append(events, e)
	}
	return events, rows.Err()
}
