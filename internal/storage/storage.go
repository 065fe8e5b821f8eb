package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taniwha3/trackwatch/internal/evaluator"
	"github.com/taniwha3/trackwatch/internal/models"
)

// Cursor marks a position in (timestamp, id) order for keyset paging
type Cursor struct {
	TimestampMs int64
	ID          int64
}

// QueryOptions defines options for querying stored readings
type QueryOptions struct {
	StartMs int64   // Start timestamp in milliseconds (inclusive)
	EndMs   int64   // End timestamp in milliseconds (inclusive)
	After   *Cursor // Only rows strictly after this position
	MaxID   int64   // Only rows with id <= MaxID (0 = no bound)
	Station string  // Filter by station (empty = all stations)
	Limit   int     // Maximum number of results (0 = no limit)
	Newest  bool    // Take the newest Limit rows (still returned oldest first)
}

// Record is a stored tick
type Record struct {
	ID      int64
	Reading *models.Reading
	Score   float64
}

// SQLiteStorage persists ticks and alerts in SQLite
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string

	mu      sync.Mutex
	lastErr error
	lastAt  time.Time
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-16000", // 16MB (negative = KB)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, dbPath: dbPath}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER NOT NULL,
		line TEXT NOT NULL DEFAULT '',
		station TEXT NOT NULL DEFAULT '',
		acoustic REAL NOT NULL,
		vibration REAL NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		score REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_readings_time ON readings(timestamp_ms);
	CREATE INDEX IF NOT EXISTS idx_readings_station_time ON readings(station, timestamp_ms);

	CREATE TABLE IF NOT EXISTS alerts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp_ms INTEGER NOT NULL,
		severity TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL,
		message TEXT NOT NULL,
		line TEXT NOT NULL DEFAULT '',
		station TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_time ON alerts(timestamp_ms);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// StoreTick saves a reading, its score and its alerts in a single transaction
func (s *SQLiteStorage) StoreTick(ctx context.Context, r *models.Reading, score float64, alerts []models.Alert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO readings (timestamp_ms, line, station, acoustic, vibration, temperature, humidity, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.Timestamp().UnixMilli(),
		r.Line(),
		r.Station(),
		r.Value(models.Acoustic),
		r.Value(models.Vibration),
		r.Value(models.Temperature),
		r.Value(models.Humidity),
		score,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	if len(alerts) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO alerts (id, timestamp_ms, severity, metric, value, unit, message, line, station)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		// Insertion order is preserved by seq, so the last alert of a tick reads back newest
		for _, a := range alerts {
			_, err := stmt.ExecContext(ctx,
				a.ID,
				a.Timestamp.UnixMilli(),
				string(a.Severity),
				string(a.Metric),
				a.Value,
				a.Unit,
				a.Message,
				r.Line(),
				r.Station(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert alert: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// OnTick persists a tick result. Failures are kept for LastWrite, not returned.
func (s *SQLiteStorage) OnTick(ctx context.Context, res evaluator.Result) {
	err := s.StoreTick(ctx, res.Reading, res.Score, res.Alerts)

	s.mu.Lock()
	s.lastErr = err
	s.lastAt = time.Now()
	s.mu.Unlock()
}

// LastWrite returns the time and error of the most recent OnTick write
func (s *SQLiteStorage) LastWrite() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt, s.lastErr
}

// QueryReadings retrieves stored ticks, oldest first
func (s *SQLiteStorage) QueryReadings(ctx context.Context, opts QueryOptions) ([]Record, error) {
	query := "SELECT id, timestamp_ms, line, station, acoustic, vibration, temperature, humidity, score FROM readings WHERE 1=1"
	args := []interface{}{}

	if opts.StartMs > 0 {
		query += " AND timestamp_ms >= ?"
		args = append(args, opts.StartMs)
	}

	if opts.EndMs > 0 {
		query += " AND timestamp_ms <= ?"
		args = append(args, opts.EndMs)
	}

	if opts.After != nil {
		query += " AND (timestamp_ms > ? OR (timestamp_ms = ? AND id > ?))"
		args = append(args, opts.After.TimestampMs, opts.After.TimestampMs, opts.After.ID)
	}

	if opts.MaxID > 0 {
		query += " AND id <= ?"
		args = append(args, opts.MaxID)
	}

	if opts.Station != "" {
		query += " AND station = ?"
		args = append(args, opts.Station)
	}

	if opts.Newest {
		query += " ORDER BY timestamp_ms DESC, id DESC"
	} else {
		query += " ORDER BY timestamp_ms ASC, id ASC"
	}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec                 Record
			tsMs                int64
			line, station       string
			acoustic, vibration float64
			temperature, humid  float64
		)
		if err := rows.Scan(&rec.ID, &tsMs, &line, &station,
			&acoustic, &vibration, &temperature, &humid, &rec.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r, err := models.NewReading(time.UnixMilli(tsMs).UTC(), map[models.MetricKind]float64{
			models.Acoustic:    acoustic,
			models.Vibration:   vibration,
			models.Temperature: temperature,
			models.Humidity:    humid,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to decode reading %d: %w", rec.ID, err)
		}
		rec.Reading = r.WithLocation(line, station)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	if opts.Newest {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}

	return records, nil
}

// RecentAlerts returns up to limit alerts, newest first. limit <= 0 returns all.
func (s *SQLiteStorage) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	query := "SELECT id, timestamp_ms, severity, metric, value, unit, message FROM alerts ORDER BY seq DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a        models.Alert
			tsMs     int64
			severity string
			metric   string
		)
		if err := rows.Scan(&a.ID, &tsMs, &severity, &metric, &a.Value, &a.Unit, &a.Message); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Timestamp = time.UnixMilli(tsMs).UTC()
		a.Severity = models.Severity(severity)
		a.Metric = models.MetricKind(metric)
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return alerts, nil
}

// LastID returns the highest reading id, or 0 when empty
func (s *SQLiteStorage) LastID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM readings").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get last id: %w", err)
	}
	return id, nil
}

// Count returns the total number of stored readings
func (s *SQLiteStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM readings").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return count, nil
}

// CountAlerts returns the total number of stored alerts
func (s *SQLiteStorage) CountAlerts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

// DeleteBefore deletes readings and alerts older than the cutoff.
// Returns the number of readings deleted.
func (s *SQLiteStorage) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ms := cutoff.UnixMilli()
	result, err := tx.ExecContext(ctx, "DELETE FROM readings WHERE timestamp_ms < ?", ms)
	if err != nil {
		return 0, fmt.Errorf("failed to delete readings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM alerts WHERE timestamp_ms < ?", ms); err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return deleted, nil
}

// Vacuum reclaims unused database space
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Checkpoint folds the WAL back into the database and truncates it
func (s *SQLiteStorage) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		// Checkpoint WAL before closing
		s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

// DBSize returns the size of the database in bytes
func (s *SQLiteStorage) DBSize() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}

// WALSize returns the size of the write-ahead log in bytes (0 if absent)
func (s *SQLiteStorage) WALSize() (int64, error) {
	info, err := os.Stat(FilePath(s.dbPath) + "-wal")
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat WAL: %w", err)
	}
	return info.Size(), nil
}

// FilePath returns the database file behind a storage path. SQLite URIs
// (file:/abs/db?opts, file:///abs/db) lose their scheme and query;
// plain paths are returned unchanged.
func FilePath(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}
	// file:///abs -> /abs; file://host/share stays a UNC path
	if strings.HasPrefix(path, "///") {
		path = path[2:]
	}
	return path
}
