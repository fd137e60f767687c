package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository writes audit entries to Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	return &Repository{db: db}, nil
}

// Log writes an audit entry, filling id, time and digest when unset.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	entry = prepare(entry)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO operator_audit (
	id, action, station_id, metadata, payload_digest, remote_addr, user_agent, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)`, entry.ID, entry.Action, entry.StationID, nullJSON(entry.Metadata), entry.PayloadDigest, entry.RemoteAddr, entry.UserAgent, entry.CreatedAt)
	return err
}

// List returns the newest entries of a station, or of all stations when stationID is empty.
func (r *Repository) List(ctx context.Context, stationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, action, station_id, metadata, payload_digest, remote_addr, user_agent, created_at
FROM operator_audit
WHERE ($1 = '' OR station_id = $1)
ORDER BY created_at DESC
LIMIT $2`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var (
			entry    Entry
			metadata []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.StationID, &metadata, &entry.PayloadDigest, &entry.RemoteAddr, &entry.UserAgent, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Metadata = metadata
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	return result, rows.Err()
}

func prepare(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	return entry
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
