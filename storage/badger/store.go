// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"sync"
	"time"

	"github.com/absmach/logmq/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const defaultGCInterval = 5 * time.Minute

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	log      *LogStore
	retained *RetainedStore
	sessions *SessionStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string        // Directory for BadgerDB data
	InMemory    bool          // Keep everything in memory, Dir is ignored
	Compression Compression   // Compression of log and retained values
	GCInterval  time.Duration // Value log GC period, defaults to 5m
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Messages can be re-delivered from the log, fsync per write is not needed.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s := &Store{
		db:       db,
		log:      NewLogStore(db, cfg.Compression),
		retained: NewRetainedStore(db, cfg.Compression),
		sessions: NewSessionStore(db),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC(interval)
	}

	return s, nil
}

// Log returns the topic log store.
func (s *Store) Log() storage.LogStore {
	return s.log
}

// Retained returns the retained message store.
func (s *Store) Retained() storage.RetainedStore {
	return s.retained
}

// Sessions returns the session store.
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim files that are at least half garbage; ErrNoRewrite is expected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
