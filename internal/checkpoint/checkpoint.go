// Package checkpoint persists the settlement worker's chain cursor. A state is
// saved only after the blocks before SyncFromBlockHeight were fully processed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/richardliu001/custody-ledger/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// State is the cursor plus deployment metadata.
type State struct {
	// SyncFromBlockHeight is the next height to fetch.
	SyncFromBlockHeight int64     `json:"syncFromBlockHeight"`
	Network             string    `json:"network,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Store loads and saves a State. Load returns the zero State when nothing was
// saved yet.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStore keeps the state in a JSON file replaced atomically on save.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (f *FileStore) Load(context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode checkpoint %s: %w", f.path, err)
	}
	return s, nil
}

// Save writes to a temp file in the same directory, syncs it and renames it
// over the old state, so a crash leaves either the old or the new state.
func (f *FileStore) Save(_ context.Context, s State) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// DBStore keeps the state in the sync_state table under a worker name.
type DBStore struct {
	db   *gorm.DB
	name string
}

func NewDBStore(db *gorm.DB, name string) *DBStore { return &DBStore{db: db, name: name} }

func (d *DBStore) Load(ctx context.Context) (State, error) {
	var row model.SyncState
	err := d.db.WithContext(ctx).Where("name = ?", d.name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load sync state: %w", err)
	}
	return State{SyncFromBlockHeight: row.SyncFromBlockHeight, Network: row.Network, UpdatedAt: row.UpdatedAt}, nil
}

func (d *DBStore) Save(ctx context.Context, s State) error {
	row := model.SyncState{
		Name:                d.name,
		Network:             s.Network,
		SyncFromBlockHeight: s.SyncFromBlockHeight,
		UpdatedAt:           time.Now().UTC(),
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"network", "sync_from_block_height", "updated_at"}),
	}).Create(&row).Error
}
