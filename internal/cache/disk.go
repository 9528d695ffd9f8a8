package cache

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Disk is the durable local L3 tier: one JSON file per entry, sharded into
// directories by address segments (see shardPath). It is the authoritative
// fallback and has no external dependencies, so it stays usable when the
// memory and Redis tiers are cold or unreachable.
type Disk struct {
	root string
}

type diskEntry struct {
	Value     []byte    `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewDisk creates the disk tier rooted at dir.
func NewDisk(dir string) (*Disk, error) {
	if dir == "" {
		return nil, eris.New("cache: disk root not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "cache: create disk root %s", dir)
	}
	return &Disk{root: dir}, nil
}

func (d *Disk) Name() string { return "disk" }

func (d *Disk) Get(_ context.Context, key string) ([]byte, bool, error) {
	path := filepath.Join(d.root, shardPath(key))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: disk read %s", key)
	}

	var e diskEntry
	if err := json.Unmarshal(data, &e); err != nil {
		// A torn or corrupt file is a miss, not an error; remove it so it
		// cannot shadow a future write.
		_ = os.Remove(path)
		return nil, false, nil
	}
	if time.Now().After(e.ExpiresAt) {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (d *Disk) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := time.Now()
	data, err := json.Marshal(diskEntry{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return eris.Wrap(err, "cache: disk marshal")
	}

	path := filepath.Join(d.root, shardPath(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "cache: disk mkdir for %s", key)
	}

	// Write-then-rename so concurrent readers never observe a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "cache: disk temp for %s", key)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return eris.Wrapf(err, "cache: disk write %s", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return eris.Wrapf(err, "cache: disk close %s", key)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return eris.Wrapf(err, "cache: disk rename %s", key)
	}
	return nil
}

func (d *Disk) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(d.root, shardPath(key)))
	if err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "cache: disk delete %s", key)
	}
	return nil
}

// Purge walks the tree and removes expired entry files. Invoked from a
// maintenance schedule, never from the request path.
func (d *Disk) Purge(ctx context.Context) (int, error) {
	removed := 0
	now := time.Now()

	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if filepath.Ext(path) != ".json" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var e diskEntry
		if err := json.Unmarshal(data, &e); err != nil || now.After(e.ExpiresAt) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, eris.Wrap(err, "cache: disk purge")
	}

	zap.L().Debug("disk cache purged", zap.Int("removed", removed))
	return removed, nil
}
