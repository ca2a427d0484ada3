// DuckDB-backed implementation of the Store contract. The historical_data
// schema is fixed: one row per (ticker, timestamp, frequency), prices and
// volume as REAL, timestamps as INTEGER epochs whose unit is configured
// process-wide.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"histcache/internal/models"
)

// DuckDBStore implements Store on an embedded DuckDB database.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex

	queryTimes map[string][]time.Duration
	queryMu    sync.Mutex
}

// NewDuckDBStore opens (or creates) the database at dbPath; ":memory:" gives
// an ephemeral store. The connection pool is pinned to a single connection,
// the recommended single-writer pattern for DuckDB.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{
		db:         db,
		dbPath:     dbPath,
		logger:     logger,
		queryTimes: make(map[string][]time.Duration),
	}, nil
}

// Initialize creates the historical_data table and its indexes.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB store", "db_path", d.dbPath)

	// BIGINT, not INTEGER: DuckDB's INTEGER is 32-bit, and millisecond
	// epochs overflow it.
	schema := `
	CREATE TABLE IF NOT EXISTS historical_data (
		ticker TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		frequency TEXT NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume REAL NOT NULL,
		source TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (ticker, timestamp, frequency)
	)`

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return NewStorageError("initialize", "historical_data", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_hist_ticker_freq ON historical_data (ticker, frequency)",
		"CREATE INDEX IF NOT EXISTS idx_hist_timestamp ON historical_data (timestamp)",
	}
	for _, idx := range indexes {
		if _, err := d.db.ExecContext(ctx, idx); err != nil {
			return NewStorageError("initialize", "historical_data", fmt.Errorf("failed to create index: %w", err))
		}
	}

	d.logger.Info("DuckDB store initialized")
	return nil
}

// Upsert writes the batch in a single transaction with per-key replace
// semantics. Validation failures reject the whole batch before any write so
// the all-or-nothing guarantee holds.
func (d *DuckDBStore) Upsert(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		d.recordQueryTime("upsert", time.Since(start))
	}()

	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return NewUpsertError("historical_data", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return NewUpsertError("historical_data", fmt.Errorf("database connection is closed"))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewUpsertError("historical_data", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	const stmt = `
		INSERT INTO historical_data
			(ticker, timestamp, frequency, open, high, low, close, volume, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (ticker, timestamp, frequency) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			source = excluded.source,
			created_at = excluded.created_at`

	for i := range bars {
		open, high, low, close, volume, err := barFloats(&bars[i])
		if err != nil {
			return NewUpsertError("historical_data", fmt.Errorf("bar %s: %w", bars[i].String(), err))
		}
		if _, err := tx.ExecContext(ctx, stmt,
			bars[i].Ticker,
			bars[i].Timestamp,
			string(bars[i].Frequency),
			open, high, low, close, volume,
			bars[i].Source,
			bars[i].CreatedAt,
		); err != nil {
			return NewUpsertError("historical_data", fmt.Errorf("failed to upsert bar %s: %w", bars[i].String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewUpsertError("historical_data", fmt.Errorf("failed to commit batch: %w", err))
	}

	d.logger.Debug("upserted bar batch",
		"count", len(bars),
		"duration", time.Since(start))

	return nil
}

// barFloats parses the decimal string fields into float64s for the REAL
// columns.
func barFloats(b *models.Bar) (open, high, low, close, volume float64, err error) {
	fields := []struct {
		name  string
		value string
		dst   *float64
	}{
		{"open", b.Open, &open},
		{"high", b.High, &high},
		{"low", b.Low, &low},
		{"close", b.Close, &close},
		{"volume", b.Volume, &volume},
	}
	for _, f := range fields {
		d, perr := decimal.NewFromString(f.value)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %w", f.name, perr)
			return
		}
		*f.dst, _ = d.Float64()
	}
	return
}

// Query returns bars for one key over one half-open range, ordered by
// timestamp.
func (d *DuckDBStore) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("query", time.Since(start))
	}()

	query, args := buildBarQuery(req)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("historical_data", fmt.Errorf("failed to execute query: %w", err))
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var bar models.Bar
		var freq string
		var open, high, low, close, volume float64

		if err := rows.Scan(
			&bar.Ticker,
			&bar.Timestamp,
			&freq,
			&open, &high, &low, &close, &volume,
			&bar.Source,
			&bar.CreatedAt,
		); err != nil {
			return nil, NewQueryError("historical_data", fmt.Errorf("failed to scan row: %w", err))
		}

		bar.Frequency = models.Frequency(freq)
		bar.Open = formatReal(open)
		bar.High = formatReal(high)
		bar.Low = formatReal(low)
		bar.Close = formatReal(close)
		bar.Volume = formatReal(volume)

		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("historical_data", fmt.Errorf("row iteration error: %w", err))
	}

	return &QueryResponse{
		Bars:      bars,
		Total:     len(bars),
		QueryTime: time.Since(start),
	}, nil
}

// formatReal renders a REAL column value as a decimal string without
// trailing float noise.
func formatReal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func buildBarQuery(req QueryRequest) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	argPos := 1

	query := `SELECT ticker, timestamp, frequency, open, high, low, close, volume, source, created_at FROM historical_data`

	if req.Ticker != "" {
		conditions = append(conditions, fmt.Sprintf("ticker = $%d", argPos))
		args = append(args, req.Ticker)
		argPos++
	}
	if req.Frequency != "" {
		conditions = append(conditions, fmt.Sprintf("frequency = $%d", argPos))
		args = append(args, string(req.Frequency))
		argPos++
	}
	if !req.Range.IsZero() {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argPos))
		args = append(args, req.Range.Start)
		argPos++
		conditions = append(conditions, fmt.Sprintf("timestamp < $%d", argPos))
		args = append(args, req.Range.End)
		argPos++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if req.Descending {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}

	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, req.Limit)
	}

	return query, args
}

// Timestamps returns the sorted stored timestamps for one key within the
// range.
func (d *DuckDBStore) Timestamps(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]int64, error) {
	start := time.Now()
	defer func() {
		d.recordQueryTime("timestamps", time.Since(start))
	}()

	const query = `
		SELECT timestamp FROM historical_data
		WHERE ticker = $1 AND frequency = $2 AND timestamp >= $3 AND timestamp < $4
		ORDER BY timestamp ASC`

	rows, err := d.db.QueryContext(ctx, query, ticker, string(freq), rng.Start, rng.End)
	if err != nil {
		return nil, NewQueryError("historical_data", fmt.Errorf("failed to query timestamps: %w", err))
	}
	defer rows.Close()

	var timestamps []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, NewQueryError("historical_data", fmt.Errorf("failed to scan timestamp: %w", err))
		}
		timestamps = append(timestamps, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("historical_data", fmt.Errorf("timestamp iteration error: %w", err))
	}

	return timestamps, nil
}

// Close shuts down the database connection.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		d.logger.Info("closing DuckDB store")
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

// HealthCheck verifies database connectivity with a trivial query.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", fmt.Errorf("database connection is closed"))
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Stats returns row counts, data bounds, and average query timings.
func (d *DuckDBStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{QueryPerformance: make(map[string]time.Duration)}

	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM historical_data").Scan(&stats.TotalBars); err != nil {
		return nil, NewStorageError("stats", "historical_data", err)
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT ticker) FROM historical_data").Scan(&stats.TotalTickers); err != nil {
		return nil, NewStorageError("stats", "historical_data", err)
	}
	if stats.TotalBars > 0 {
		if err := d.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM historical_data").
			Scan(&stats.EarliestData, &stats.LatestData); err != nil {
			return nil, NewStorageError("stats", "historical_data", err)
		}
	}

	d.queryMu.Lock()
	for operation, times := range d.queryTimes {
		if len(times) == 0 {
			continue
		}
		var total time.Duration
		for _, t := range times {
			total += t
		}
		stats.QueryPerformance[operation] = total / time.Duration(len(times))
	}
	d.queryMu.Unlock()

	return stats, nil
}

func (d *DuckDBStore) recordQueryTime(operation string, duration time.Duration) {
	d.queryMu.Lock()
	defer d.queryMu.Unlock()

	times := d.queryTimes[operation]
	// Keep only the last 100 measurements.
	if len(times) >= 100 {
		times = times[1:]
	}
	d.queryTimes[operation] = append(times, duration)
}

var _ Store = (*DuckDBStore)(nil)
