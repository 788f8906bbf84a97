package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/signalfeed/internal/config"
	"github.com/rickgao/signalfeed/internal/model"
)

// ErrDisabled is returned by New when the history source is switched off.
var ErrDisabled = errors.New("history disabled")

// querier is the subset of *pgxpool.Pool the store reads through.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store reads recent signals from PostgreSQL.
type Store struct {
	db      querier
	pool    *pgxpool.Pool
	query   string
	limit   int
	timeout time.Duration
	logger  *slog.Logger
}

// New connects to the configured database. limit is used when Recent is
// called with a non-positive limit and cfg.Limit is unset.
func New(ctx context.Context, cfg config.HistoryConfig, limit int, logger *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Limit > 0 {
		limit = cfg.Limit
	}

	s := newStore(pool, cfg.Table, limit, cfg.Timeout, logger)
	s.pool = pool
	return s, nil
}

func newStore(db querier, table string, limit int, timeout time.Duration, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		query:   recentQuery(table),
		limit:   limit,
		timeout: timeout,
		logger:  logger.With("component", "history"),
	}
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.HistoryConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Recent returns up to limit of the newest signals, oldest first, ready for
// feed.ReplaceAll.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = s.limit
	}
	if limit <= 0 {
		return nil, nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := s.db.Query(ctx, s.query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[signalRow])
	if err != nil {
		return nil, fmt.Errorf("scan recent signals: %w", err)
	}

	signals := oldestFirst(records)
	s.logger.Debug("loaded recent signals",
		"count", len(signals),
		"limit", limit,
		"elapsed", time.Since(start),
	)
	return signals, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// signalRow is one row of the signals table.
type signalRow struct {
	ID         *string   `db:"id"`
	Symbol     string    `db:"symbol"`
	Direction  string    `db:"direction"`
	Price      float64   `db:"price"`
	Confidence float64   `db:"confidence"`
	Timestamp  time.Time `db:"ts"`
	StopLoss   *float64  `db:"stop_loss"`
	TakeProfit *float64  `db:"take_profit"`
	Volume     *float64  `db:"volume"`
	Timeframe  *string   `db:"timeframe"`
}

func (r signalRow) signal() model.Signal {
	sig := model.Signal{
		Symbol:     r.Symbol,
		Direction:  model.Direction(r.Direction),
		Price:      r.Price,
		Confidence: r.Confidence,
		Timestamp:  r.Timestamp.UTC(),
		StopLoss:   r.StopLoss,
		TakeProfit: r.TakeProfit,
		Volume:     r.Volume,
	}
	if r.ID != nil {
		sig.ID = *r.ID
	}
	if r.Timeframe != nil {
		sig.Timeframe = *r.Timeframe
	}
	return sig
}

// recentQuery selects the newest rows first. Each dotted part of table is
// quoted as an identifier.
func recentQuery(table string) string {
	return fmt.Sprintf(
		`SELECT id, symbol, direction, price, confidence, ts, stop_loss, take_profit, volume, timeframe
		FROM %s
		ORDER BY ts DESC
		LIMIT $1`,
		pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	)
}

// oldestFirst converts newest-first rows into signals in arrival order.
func oldestFirst(rows []signalRow) []model.Signal {
	signals := make([]model.Signal, len(rows))
	for i, r := range rows {
		signals[i] = r.signal()
	}
	slices.Reverse(signals)
	return signals
}
