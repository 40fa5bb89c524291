package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/newthinker/replay/internal/core"
)

// PostgresStore reads the market_bars catalog from PostgreSQL.
//
// Schema assumed:
//
//	CREATE TABLE market_bars (
//	    id           BIGSERIAL PRIMARY KEY,
//	    exchange     TEXT        NOT NULL,
//	    symbol       TEXT        NOT NULL,
//	    timeframe    TEXT        NOT NULL,
//	    product_type TEXT        NOT NULL,
//	    ts           TIMESTAMPTZ NOT NULL,
//	    open         NUMERIC     NOT NULL,
//	    high         NUMERIC     NOT NULL,
//	    low          NUMERIC     NOT NULL,
//	    close        NUMERIC     NOT NULL,
//	    volume       NUMERIC     NOT NULL,
//	    UNIQUE (exchange, symbol, timeframe, product_type, ts)
//	);
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore opens a connection pool against the given DSN.
func NewPostgresStore(dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening market data store: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	return &PostgresStore{db: db, timeout: timeout}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Ping verifies connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

type barRow struct {
	ID        int64           `db:"id"`
	Exchange  string          `db:"exchange"`
	Symbol    string          `db:"symbol"`
	Timeframe string          `db:"timeframe"`
	Ts        time.Time       `db:"ts"`
	Open      decimal.Decimal `db:"open"`
	High      decimal.Decimal `db:"high"`
	Low       decimal.Decimal `db:"low"`
	Close     decimal.Decimal `db:"close"`
	Volume    decimal.Decimal `db:"volume"`
}

// Listings implements Store.
func (p *PostgresStore) Listings(ctx context.Context, exchange string) (map[string][]core.ProductType, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT symbol, product_type
		FROM market_bars
		WHERE exchange = $1`

	rows, err := p.db.QueryxContext(ctx, query, strings.ToUpper(exchange))
	if err != nil {
		return nil, core.WrapError(core.ErrStoreFailed, err)
	}
	defer rows.Close()

	out := make(map[string][]core.ProductType)
	for rows.Next() {
		var sym, product string
		if err := rows.Scan(&sym, &product); err != nil {
			return nil, core.WrapError(core.ErrStoreFailed, err)
		}
		// The resolver looks listings up by EXCHANGE:PAIR, so the stored
		// canonical symbol must be reduced to its pair component here.
		key := strings.ToUpper(exchange) + ":" + pairOf(sym)
		if !containsProduct(out[key], core.ProductType(product)) {
			out[key] = append(out[key], core.ProductType(product))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrStoreFailed, err)
	}
	return out, nil
}

// Info implements Store.
func (p *PostgresStore) Info(ctx context.Context, s core.Series, r core.DateRange) (SeriesInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT COUNT(*) AS n, MIN(ts) AS first, MAX(ts) AS last
		FROM market_bars
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3 AND product_type = $4
		  AND ts >= $5 AND ts < $6`

	var row struct {
		N     int64        `db:"n"`
		First sql.NullTime `db:"first"`
		Last  sql.NullTime `db:"last"`
	}
	err := p.db.GetContext(ctx, &row, query,
		strings.ToUpper(s.Exchange), strings.ToUpper(s.Symbol), s.Timeframe,
		string(s.ProductType), r.Start, r.End)
	if err != nil {
		return SeriesInfo{}, core.WrapError(core.ErrStoreFailed, err)
	}
	return SeriesInfo{RecordCount: row.N, First: row.First.Time, Last: row.Last.Time}, nil
}

// Alternates implements Store.
func (p *PostgresStore) Alternates(ctx context.Context, s core.Series) ([]core.Series, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT symbol, timeframe, product_type
		FROM market_bars
		WHERE exchange = $1
		  AND NOT (symbol = $2 AND timeframe = $3 AND product_type = $4)
		ORDER BY symbol, timeframe, product_type`

	rows, err := p.db.QueryxContext(ctx, query,
		strings.ToUpper(s.Exchange), strings.ToUpper(s.Symbol), s.Timeframe, string(s.ProductType))
	if err != nil {
		return nil, core.WrapError(core.ErrStoreFailed, err)
	}
	defer rows.Close()

	var out []core.Series
	for rows.Next() {
		alt := core.Series{Exchange: strings.ToUpper(s.Exchange)}
		var product string
		if err := rows.Scan(&alt.Symbol, &alt.Timeframe, &product); err != nil {
			return nil, core.WrapError(core.ErrStoreFailed, err)
		}
		alt.ProductType = core.ProductType(product)
		out = append(out, alt)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrStoreFailed, err)
	}
	return out, nil
}

// LoadBars implements Store. Ordering by (ts, id) is the determinism contract:
// retrieval order never depends on the planner.
func (p *PostgresStore) LoadBars(ctx context.Context, s core.Series, r core.DateRange) ([]core.MarketBar, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		SELECT id, exchange, symbol, timeframe, ts, open, high, low, close, volume
		FROM market_bars
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3 AND product_type = $4
		  AND ts >= $5 AND ts < $6
		ORDER BY ts, id`

	rows, err := p.db.QueryxContext(ctx, query,
		strings.ToUpper(s.Exchange), strings.ToUpper(s.Symbol), s.Timeframe,
		string(s.ProductType), r.Start, r.End)
	if err != nil {
		return nil, core.WrapError(core.ErrStoreFailed, err)
	}
	defer rows.Close()

	var out []core.MarketBar
	for rows.Next() {
		var b barRow
		if err := rows.StructScan(&b); err != nil {
			return nil, core.WrapError(core.ErrStoreFailed, err)
		}
		out = append(out, core.MarketBar{
			RowID:     b.ID,
			Exchange:  b.Exchange,
			Symbol:    b.Symbol,
			Timeframe: b.Timeframe,
			Timestamp: b.Ts.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.ErrStoreFailed, err)
	}
	return out, nil
}
