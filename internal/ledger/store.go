package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/signal"
)

// DBPool is the subset of pgxpool.Pool the store needs, so tests can
// substitute a mock.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Ping(ctx context.Context) error
}

// PgStore archives closed trades in PostgreSQL.
type PgStore struct {
	db  DBPool
	log zerolog.Logger
}

// NewPgStore creates the archive over an existing pool.
func NewPgStore(db DBPool, log zerolog.Logger) *PgStore {
	return &PgStore{
		db:  db,
		log: log.With().Str("component", "trade_store").Logger(),
	}
}

// Connect opens a pool from a connection string and verifies it.
func Connect(ctx context.Context, url string, log zerolog.Logger) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPgStore(pool, log), nil
}

// SaveClosedTrade implements Archive.
func (s *PgStore) SaveClosedTrade(ctx context.Context, trade ClosedTrade) error {
	query := `
		INSERT INTO closed_trades (
			ticket, signal_id, symbol, side, volume, open_price, close_price,
			open_time, close_time, profit, commission, swap
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (ticket) DO NOTHING
	`

	_, err := s.db.Exec(ctx, query,
		trade.Ticket,
		trade.SignalID,
		trade.Symbol,
		string(trade.Side),
		trade.Volume,
		trade.OpenPrice,
		trade.ClosePrice,
		trade.OpenTime,
		trade.CloseTime,
		trade.Profit,
		trade.Commission,
		trade.Swap,
	)
	if err != nil {
		return fmt.Errorf("failed to save closed trade: %w", err)
	}
	return nil
}

// ClosedTrades loads archived trades closed at or after since, oldest
// first.
func (s *PgStore) ClosedTrades(ctx context.Context, since time.Time) ([]ClosedTrade, error) {
	query := `
		SELECT ticket, signal_id, symbol, side, volume, open_price, close_price,
		       open_time, close_time, profit, commission, swap
		FROM closed_trades
		WHERE close_time >= $1
		ORDER BY close_time ASC
	`

	rows, err := s.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	var out []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		var side string
		if err := rows.Scan(&t.Ticket, &t.SignalID, &t.Symbol, &side, &t.Volume,
			&t.OpenPrice, &t.ClosePrice, &t.OpenTime, &t.CloseTime,
			&t.Profit, &t.Commission, &t.Swap); err != nil {
			return nil, fmt.Errorf("failed to scan closed trade: %w", err)
		}
		t.Side = signal.Side(side)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closed trade rows: %w", err)
	}
	return out, nil
}

// Health checks database connectivity.
func (s *PgStore) Health(ctx context.Context) error {
	return s.db.Ping(ctx)
}
