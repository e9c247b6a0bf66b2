// Package storage provides the SQLite-backed denial ledger: a durable
// record of every policy denial, kept alongside (not instead of) the
// in-memory telemetry buffer so an operator can audit enforcement history
// after the fact even if the control plane never received a given batch.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// DenialRecord is one row of the ledger: a single policy denial, with the
// identity fields resolved at the time of denial and the stage that issued
// it.
type DenialRecord struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"client_ip"`
	UserID        string    `json:"user_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	URI           string    `json:"uri"`
	Method        string    `json:"method"`
	Reason        string    `json:"reason"`
	HTTPStatus    int       `json:"http_status"`
	Message       string    `json:"message,omitempty"`
}

// Store is a SQLite-backed append-only ledger of denial records.
type Store struct {
	db *sql.DB
}

// Open connects to (creating if absent) the SQLite database at path and
// runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	slog.Info("denial ledger initialized", "path", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS denials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		client_ip TEXT NOT NULL,
		user_id TEXT,
		device_id TEXT,
		client_name TEXT,
		uri TEXT NOT NULL,
		method TEXT NOT NULL,
		reason TEXT NOT NULL,
		http_status INTEGER NOT NULL,
		message TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_denials_timestamp ON denials(timestamp);
	CREATE INDEX IF NOT EXISTS idx_denials_reason ON denials(reason);
	CREATE INDEX IF NOT EXISTS idx_denials_user ON denials(user_id);
	CREATE INDEX IF NOT EXISTS idx_denials_client_ip ON denials(client_ip);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordDenial appends one denial to the ledger.
func (s *Store) RecordDenial(r DenialRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO denials
		(timestamp, client_ip, user_id, device_id, client_name, uri, method, reason, http_status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.ClientIP, r.UserID, r.DeviceID, r.ClientName,
		r.URI, r.Method, r.Reason, r.HTTPStatus, r.Message,
	)
	if err != nil {
		return fmt.Errorf("storage: record denial: %w", err)
	}
	return nil
}

// RecentDenials returns up to limit most recent denials, newest first. Used
// by the admin API's audit endpoint.
func (s *Store) RecentDenials(limit int) ([]DenialRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, client_ip, user_id, device_id, client_name, uri, method, reason, http_status, message
		FROM denials ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent denials: %w", err)
	}
	defer rows.Close()

	var out []DenialRecord
	for rows.Next() {
		var r DenialRecord
		var userID, deviceID, clientName, message sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ClientIP, &userID, &deviceID, &clientName, &r.URI, &r.Method, &r.Reason, &r.HTTPStatus, &message); err != nil {
			return nil, fmt.Errorf("storage: scan denial row: %w", err)
		}
		r.UserID = userID.String
		r.DeviceID = deviceID.String
		r.ClientName = clientName.String
		r.Message = message.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// DenialCountsByReason returns a reason → count summary over the ledger,
// used by the admin stats endpoint.
func (s *Store) DenialCountsByReason() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT reason, COUNT(*) FROM denials GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("storage: query denial counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var reason string
		var count int64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("storage: scan count row: %w", err)
		}
		out[reason] = count
	}
	return out, rows.Err()
}

// ToJSON renders a DenialRecord for the admin API.
func (r DenialRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
