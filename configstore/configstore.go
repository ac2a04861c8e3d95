// Package configstore is a versioned key/value store with CAS-style
// updates and a caller-supplied version extractor, backed by
// github.com/tidwall/buntdb.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package configstore

import (
	"errors"
	"sync"

	jsoniter "github.com/json-iterator/go"
	pkgerrors "github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/flowlog/flowlog/internal/metrics"
	"github.com/flowlog/flowlog/internal/nlog"
	"github.com/flowlog/flowlog/internal/status"
)

// Version is a stored value's logical version, interpreted by a caller-
// supplied VersionExtractor.
type Version uint64

// VersionExtractor interprets stored bytes as a Version. It returns
// ok=false when the bytes carry no recognizable version.
type VersionExtractor func(value []byte) (v Version, ok bool)

// JSONVersioned is a convenience VersionExtractor for JSON-encoded values
// carrying a top-level numeric "version" field, implemented with
// json-iterator rather than encoding/json per the ambient stack's JSON
// library choice.
func JSONVersioned(value []byte) (Version, bool) {
	var envelope struct {
		Version *uint64 `json:"version"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(value, &envelope); err != nil {
		return 0, false
	}
	if envelope.Version == nil {
		return 0, false
	}
	return Version(*envelope.Version), true
}

// Mutator is the read_modify_write callback: given the current
// value (nil if absent), it returns a new value to write and a Status. It
// is only permitted to return status.Ok, status.VersionMismatch, or
// status.Shutdown.
type Mutator func(cur []byte) (st status.Status, newValue []byte)

// Store is the versioned key/value store. All operations are safe for
// concurrent use.
type Store struct {
	db      *db
	extract VersionExtractor
	metrics *metrics.Registry

	mu           sync.RWMutex
	shuttingDown bool
}

// db wraps *buntdb.DB so Store's exported surface never leaks buntdb types.
type db struct {
	bdb *buntdb.DB
}

// Open opens a Store at path ("" or ":memory:" selects an in-memory store)
// using extract to interpret stored bytes.
func Open(path string, extract VersionExtractor, mr *metrics.Registry) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	bdb, err := buntdb.Open(path)
	if err != nil {
		return nil, status.New(status.Internal, pkgerrors.Wrapf(err, "open %s", path).Error())
	}
	return &Store{db: &db{bdb: bdb}, extract: extract, metrics: mr}, nil
}

// Get returns the current value for key. baseVersion of nil means "no
// comparison, just return the current value"; otherwise Get returns
// status.UpToDate without the value when baseVersion is already current.
func (s *Store) Get(key string, baseVersion *Version) (status.Status, []byte) {
	s.mu.RLock()
	down := s.shuttingDown
	s.mu.RUnlock()
	if down {
		return status.Shutdown, nil
	}

	var raw string
	err := s.db.bdb.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return status.NotFound, nil
	}
	if err != nil {
		return status.Again, nil
	}

	value := []byte(raw)
	if baseVersion != nil {
		if v, ok := s.extract(value); ok && *baseVersion >= v {
			return status.UpToDate, nil
		}
	}
	return status.Ok, value
}

// GetLatest is Get's linearizable variant: callers that cannot tolerate a
// stale read opt into this instead. buntdb.View already takes the store's
// single read/write lock, so there is no cache or replica for a plain Get
// to lag behind here; GetLatest exists as a stable, separately named entry
// point so a future replicated or cached backend has a hook to diverge
// from Get's (cheaper, relaxed) contract without breaking callers.
func (s *Store) GetLatest(key string, baseVersion *Version) (status.Status, []byte) {
	return s.Get(key, baseVersion)
}

// Update writes value to key, conditioned on baseVersion: if non-nil, the
// write is rejected with status.VersionMismatch unless baseVersion matches
// the stored version, and with status.InvalidParam if value's own version
// is not strictly greater than the stored one.
func (s *Store) Update(key string, value []byte, baseVersion *Version) (st status.Status, newVersion Version, existing []byte) {
	s.mu.RLock()
	down := s.shuttingDown
	s.mu.RUnlock()
	if down {
		return status.Shutdown, 0, nil
	}

	newV, ok := s.extract(value)
	if !ok {
		return status.InvalidParam, 0, nil
	}

	err := s.db.bdb.Update(func(tx *buntdb.Tx) error {
		cur, getErr := tx.Get(key)
		exists := getErr == nil

		if baseVersion != nil {
			if !exists {
				return errNotFound
			}
			curV, vok := s.extract([]byte(cur))
			if vok && curV != *baseVersion {
				existing = []byte(cur)
				return errVersionMismatch
			}
		}
		if exists {
			if curV, vok := s.extract([]byte(cur)); vok && newV <= curV {
				return errInvalidParam
			}
		}

		_, _, err := tx.Set(key, string(value), nil)
		return err
	})

	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.ConfigVersion.Set(float64(newV))
		}
		return status.Ok, newV, nil
	case errors.Is(err, errNotFound):
		return status.NotFound, 0, nil
	case errors.Is(err, errVersionMismatch):
		return status.VersionMismatch, 0, existing
	case errors.Is(err, errInvalidParam):
		return status.InvalidParam, 0, nil
	default:
		nlog.Errorf("configstore: update %s: %+v", key, pkgerrors.Wrapf(err, "buntdb update %s", key))
		return status.Again, 0, nil
	}
}

var (
	errNotFound        = errors.New("configstore: not found")
	errVersionMismatch = errors.New("configstore: version mismatch")
	errInvalidParam    = errors.New("configstore: invalid param")
)

// ReadModifyWrite reads the current value for key, invokes mcb with it, and
// retries the conditional update on VersionMismatch until mcb returns
// non-Ok or the write succeeds.
func (s *Store) ReadModifyWrite(key string, mcb Mutator) status.Status {
	for {
		s.mu.RLock()
		down := s.shuttingDown
		s.mu.RUnlock()
		if down {
			return status.Shutdown
		}

		getSt, cur := s.Get(key, nil)
		var curPtr []byte
		var base *Version
		switch getSt {
		case status.Ok:
			curPtr = cur
			if v, ok := s.extract(cur); ok {
				base = &v
			}
		case status.NotFound:
			curPtr = nil
		default:
			return getSt
		}

		st, newValue := mcb(curPtr)
		if st != status.Ok {
			return st // VersionMismatch or Shutdown per the mutator's contract
		}

		updateSt, _, _ := s.Update(key, newValue, base)
		if updateSt == status.VersionMismatch {
			continue // lost the race to another writer; recompute against the new value
		}
		return updateSt
	}
}

// Shutdown marks the Store closed: no new operations are accepted
// afterward, and callers already in flight observe status.Again or
// status.Shutdown rather than a panic. Must be called from a dedicated
// shutdown path, not concurrently with new Get/Update/ReadModifyWrite
// calls expecting success.
func (s *Store) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	if err := s.db.bdb.Close(); err != nil {
		nlog.Warningf("configstore: close: %v", err)
	}
}
