package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Actions recorded for operator requests.
const (
	ActionRun      = "station.run"
	ActionBackfill = "station.backfill"
	ActionResync   = "stations.resync"
)

// Entry records one operator request that changes scheduling or rewinds a watermark.
type Entry struct {
	ID            string
	Action        string
	StationID     string
	Metadata      json.RawMessage
	PayloadDigest string
	RemoteAddr    string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
