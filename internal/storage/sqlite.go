package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an SQLite database
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path and creates the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS mentions (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS monitor_mentions (
		monitor_id TEXT NOT NULL,
		mention_id TEXT NOT NULL REFERENCES mentions(id),
		PRIMARY KEY (monitor_id, mention_id)
	);

	CREATE INDEX IF NOT EXISTS idx_mentions_created_at ON mentions(created_at);

	CREATE TABLE IF NOT EXISTS monitors (
		id TEXT PRIMARY KEY,
		is_active INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		monitor_id TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_monitor ON alerts(monitor_id, timestamp);

	CREATE TABLE IF NOT EXISTS deliveries (
		alert_id TEXT PRIMARY KEY,
		delivered INTEGER NOT NULL,
		data TEXT NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertMentions(ctx context.Context, monitorID string, mentions []models.Mention) error {
	if len(mentions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, m := range mentions {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal mention %s: %w", m.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO mentions (id, source, created_at, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			created_at = excluded.created_at,
			data = excluded.data,
			updated_at = excluded.updated_at
		`, m.ID, m.Source, m.CreatedAt.UnixMilli(), string(data), now)
		if err != nil {
			return fmt.Errorf("upsert mention %s: %w", m.ID, err)
		}

		if monitorID != "" {
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO monitor_mentions (monitor_id, mention_id) VALUES (?, ?)`,
				monitorID, m.ID)
			if err != nil {
				return fmt.Errorf("link mention %s: %w", m.ID, err)
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetMention(ctx context.Context, id string) (models.Mention, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM mentions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Mention{}, ErrNotFound
	}
	if err != nil {
		return models.Mention{}, fmt.Errorf("query mention: %w", err)
	}

	var m models.Mention
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return models.Mention{}, fmt.Errorf("unmarshal mention: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMentions(ctx context.Context, monitorID string, since time.Time, limit int) ([]models.Mention, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT m.data FROM mentions m
	JOIN monitor_mentions mm ON mm.mention_id = m.id
	WHERE mm.monitor_id = ? AND m.created_at >= ?
	ORDER BY m.created_at DESC
	LIMIT ?
	`, monitorID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query mentions: %w", err)
	}
	defer rows.Close()

	mentions := []models.Mention{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		var m models.Mention
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal mention: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

func (s *SQLiteStore) SaveMonitorState(ctx context.Context, monitor models.Monitor) error {
	data, err := json.Marshal(monitor)
	if err != nil {
		return fmt.Errorf("marshal monitor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO monitors (id, is_active, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		is_active = excluded.is_active,
		data = excluded.data,
		updated_at = excluded.updated_at
	`, monitor.ID, monitor.IsActive, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save monitor %s: %w", monitor.ID, err)
	}
	return nil
}

func (s *SQLiteStore) loadMonitors(ctx context.Context, activeOnly bool) ([]models.Monitor, error) {
	query := `SELECT data FROM monitors`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer rows.Close()

	monitors := []models.Monitor{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		var m models.Monitor
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal monitor: %w", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (s *SQLiteStore) LoadMonitors(ctx context.Context) ([]models.Monitor, error) {
	return s.loadMonitors(ctx, false)
}

func (s *SQLiteStore) LoadActiveMonitors(ctx context.Context) ([]models.Monitor, error) {
	return s.loadMonitors(ctx, true)
}

func (s *SQLiteStore) DeleteMonitor(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM monitor_mentions WHERE monitor_id = ?`, id); err != nil {
		return fmt.Errorf("delete monitor mentions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendAlert(ctx context.Context, alert models.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO alerts (id, monitor_id, type, severity, timestamp, data)
	VALUES (?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.MonitorID, string(alert.Type), string(alert.Severity), alert.Timestamp.UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("append alert %s: %w", alert.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, monitorID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT data FROM alerts WHERE monitor_id = ? ORDER BY timestamp DESC LIMIT ?
	`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var a models.Alert
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteStore) RecordDelivery(ctx context.Context, result models.DeliveryResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO deliveries (alert_id, delivered, data, recorded_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(alert_id) DO UPDATE SET
		delivered = excluded.delivered,
		data = excluded.data,
		recorded_at = excluded.recorded_at
	`, result.AlertID, result.Delivered, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", result.AlertID, err)
	}
	return nil
}
