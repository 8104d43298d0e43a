package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Store persists one slot's checkpoint.
type Store interface {
	// Load returns nil and no error when nothing has been stored.
	Load(ctx context.Context) (*Checkpoint, error)
	// Save atomically replaces the stored checkpoint. Saving an identical value is a no-op.
	Save(ctx context.Context, c *Checkpoint) error
	Close() error
}

const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const DefaultTable = "cdc_checkpoints"

type Config struct {
	Driver string
	// Path is a file path for file and sqlite, and a connection string for postgres.
	Path  string
	Table string
}

func (c *Config) SetDefault() {
	if c.Driver == "" {
		c.Driver = DriverFile
	}
	if c.Driver == DriverFile && c.Path == "" {
		c.Path = "pgcdc-checkpoint.json"
	}
	if c.Driver == DriverSQLite && c.Path == "" {
		c.Path = "pgcdc-checkpoint.db"
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
}

func (c *Config) Validate() error {
	var err error
	switch c.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Path) == "" {
			err = errors.Join(err, fmt.Errorf("checkpoint.path cannot be empty for driver %q", c.Driver))
		}
	default:
		err = errors.Join(err, fmt.Errorf("%w: %q", ErrUnknownDriver, c.Driver))
	}
	return err
}

// Open builds the store selected by cfg.Driver. Rows in shared stores are keyed by slot.
func Open(ctx context.Context, cfg Config, slot string) (Store, error) {
	switch cfg.Driver {
	case DriverFile:
		return NewFileStore(cfg.Path), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, cfg.Path, slot)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.Path, cfg.Table, slot)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// MemoryStore keeps the checkpoint in process memory.
type MemoryStore struct {
	data  []byte
	saves int

	// Synchronization (always last)
	mu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, nil
	}
	return decode(DriverMemory, s.data)
}

func (s *MemoryStore) Save(_ context.Context, c *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *Checkpoint
	if s.data != nil {
		var err error
		if prev, err = decode(DriverMemory, s.data); err != nil {
			return err
		}
	}

	ok, err := admit(DriverMemory, prev, c)
	if err != nil || !ok {
		return err
	}

	data, err := c.Marshal()
	if err != nil {
		return &PersistenceError{Store: DriverMemory, Op: "encode", Err: err}
	}
	s.data = data
	s.saves++
	return nil
}

// Saves counts writes that changed the stored value.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) Close() error {
	return nil
}
