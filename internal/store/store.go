// Package store persists the three-tier inventory: ASN aggregates, mutable
// per-IP current state, and immutable per-session snapshots. Postgres and
// SQLite backends implement the same interface with identical invariants.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipintel/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// Store is the persistence interface for the enrichment core.
//
// Invariants every implementation must uphold:
//   - UpsertASN never replaces non-empty organization metadata; it only
//     fills previously-empty fields and advances last_seen.
//   - UpsertIP referencing an unknown ASN creates the ASN row in the same
//     transaction rather than failing a foreign-key check.
//   - Aggregate counters move by atomic in-database increments, never by
//     read-modify-write in the client.
//   - SnapshotForSession is first-write-wins: a second call for the same
//     session returns the stored snapshot untouched, whatever the current
//     IP state says now.
type Store interface {
	UpsertASN(ctx context.Context, rec model.ASNRecord) error
	UpsertIP(ctx context.Context, rec model.IPRecord) error
	GetIP(ctx context.Context, ip string) (*model.IPRecord, error)
	GetASN(ctx context.Context, asn int64) (*model.ASNRecord, error)

	SnapshotForSession(ctx context.Context, sessionID, ip string) (*model.SessionSnapshot, error)
	GetSnapshot(ctx context.Context, sessionID string) (*model.SessionSnapshot, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// nullTime converts a zero time to nil so the database stores NULL rather
// than a meaningless epoch.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// nullString converts "" to nil for fill-only metadata columns, where the
// difference between NULL and empty decides whether a later write may fill
// the field.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
