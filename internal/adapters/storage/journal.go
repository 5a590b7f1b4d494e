package storage

// journal.go: diario SQLite de órdenes y fills.
//
// Tablas:
//   orders: estado actual de cada orden (una fila por ID local, UPSERT)
//   fills: fills aplicados, únicos por trade_id
//
// El ledger de inventario se reconstruye al arrancar sumando fills.

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id            TEXT PRIMARY KEY,   -- client order ID
    exchange_id   TEXT NOT NULL DEFAULT '',
    match_id      TEXT NOT NULL,
    ticker        TEXT NOT NULL,
    side          TEXT NOT NULL,      -- A / B
    price         INTEGER NOT NULL,
    count         INTEGER NOT NULL,
    filled_count  INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL,
    placed_at     DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS orders_match ON orders(match_id, status);

CREATE TABLE IF NOT EXISTS fills (
    trade_id    TEXT PRIMARY KEY,
    order_id    TEXT NOT NULL,        -- exchange order ID
    match_id    TEXT NOT NULL,
    side        TEXT NOT NULL,
    ticker      TEXT NOT NULL,
    price       INTEGER NOT NULL,
    count       INTEGER NOT NULL,
    filled_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS fills_match ON fills(match_id, filled_at);
`

type orderRow struct {
	ID          string    `db:"id"`
	ExchangeID  string    `db:"exchange_id"`
	MatchID     string    `db:"match_id"`
	Ticker      string    `db:"ticker"`
	Side        string    `db:"side"`
	Price       int       `db:"price"`
	Count       int       `db:"count"`
	FilledCount int       `db:"filled_count"`
	Status      string    `db:"status"`
	PlacedAt    time.Time `db:"placed_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type fillRow struct {
	TradeID  string    `db:"trade_id"`
	OrderID  string    `db:"order_id"`
	MatchID  string    `db:"match_id"`
	Side     string    `db:"side"`
	Ticker   string    `db:"ticker"`
	Price    int       `db:"price"`
	Count    int       `db:"count"`
	FilledAt time.Time `db:"filled_at"`
}

// Journal implementa ports.Journal usando SQLite (pure Go, sin CGo).
type Journal struct {
	db *sqlx.DB
}

// NewJournal abre (o crea) la base de datos en path. ":memory:" para tests.
func NewJournal(path string) (*Journal, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewJournal: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close cierra la base de datos.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveOrder inserta o reemplaza el estado de una orden.
func (j *Journal) SaveOrder(ctx context.Context, o domain.LiveOrder) error {
	row := orderRow{
		ID:          o.ID,
		ExchangeID:  o.ExchangeID,
		MatchID:     o.MatchID,
		Ticker:      o.Ticker,
		Side:        string(o.Side),
		Price:       o.Price,
		Count:       o.Count,
		FilledCount: o.FilledCount,
		Status:      string(o.Status),
		PlacedAt:    o.PlacedAt.UTC(),
		UpdatedAt:   o.UpdatedAt.UTC(),
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	if row.PlacedAt.IsZero() {
		row.PlacedAt = row.UpdatedAt
	}

	const q = `
		INSERT OR REPLACE INTO orders
			(id, exchange_id, match_id, ticker, side, price, count, filled_count, status, placed_at, updated_at)
		VALUES
			(:id, :exchange_id, :match_id, :ticker, :side, :price, :count, :filled_count, :status, :placed_at, :updated_at)`
	if _, err := j.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("storage.SaveOrder: %w", err)
	}
	return nil
}

// SaveFill agrega un fill. El mismo trade_id dos veces es un no-op.
func (j *Journal) SaveFill(ctx context.Context, f domain.JournalFill) error {
	row := fillRow{
		TradeID:  f.TradeID,
		OrderID:  f.OrderID,
		MatchID:  f.MatchID,
		Side:     string(f.Side),
		Ticker:   f.Ticker,
		Price:    f.Price,
		Count:    f.Count,
		FilledAt: f.Time.UTC(),
	}
	if row.TradeID == "" {
		// fills sintéticos del polling no traen trade_id
		row.TradeID = fmt.Sprintf("%s:%d", f.OrderID, f.Time.UnixNano())
	}
	if row.FilledAt.IsZero() {
		row.FilledAt = time.Now().UTC()
	}

	const q = `
		INSERT OR IGNORE INTO fills
			(trade_id, order_id, match_id, side, ticker, price, count, filled_at)
		VALUES
			(:trade_id, :order_id, :match_id, :side, :ticker, :price, :count, :filled_at)`
	if _, err := j.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("storage.SaveFill: %w", err)
	}
	return nil
}

// Fills devuelve los fills de un match, del más antiguo al más reciente.
func (j *Journal) Fills(ctx context.Context, matchID string) ([]domain.JournalFill, error) {
	var rows []fillRow
	err := j.db.SelectContext(ctx, &rows,
		`SELECT * FROM fills WHERE match_id = ? ORDER BY filled_at ASC, rowid ASC`, matchID)
	if err != nil {
		return nil, fmt.Errorf("storage.Fills: %w", err)
	}
	out := make([]domain.JournalFill, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.JournalFill{
			MatchID: r.MatchID,
			Side:    domain.Side(r.Side),
			Fill: domain.Fill{
				TradeID: r.TradeID,
				OrderID: r.OrderID,
				Ticker:  r.Ticker,
				Price:   r.Price,
				Count:   r.Count,
				Time:    r.FilledAt,
			},
		})
	}
	return out, nil
}

// OpenOrders devuelve las órdenes de un match que no están en estado terminal.
func (j *Journal) OpenOrders(ctx context.Context, matchID string) ([]domain.LiveOrder, error) {
	var rows []orderRow
	err := j.db.SelectContext(ctx, &rows,
		`SELECT * FROM orders WHERE match_id = ? AND status NOT IN (?, ?) ORDER BY placed_at ASC`,
		matchID, string(domain.OrderFilled), string(domain.OrderCanceled))
	if err != nil {
		return nil, fmt.Errorf("storage.OpenOrders: %w", err)
	}
	out := make([]domain.LiveOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.LiveOrder{
			ID:          r.ID,
			ExchangeID:  r.ExchangeID,
			MatchID:     r.MatchID,
			Ticker:      r.Ticker,
			Side:        domain.Side(r.Side),
			Price:       r.Price,
			Count:       r.Count,
			FilledCount: r.FilledCount,
			Status:      domain.OrderStatus(r.Status),
			PlacedAt:    r.PlacedAt,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	return out, nil
}
