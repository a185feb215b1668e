// Package storage persists a swarm peer's local view of shared state: the
// round-output cache replicated from other peers and the record of reward
// submissions already made. Both survive restarts so a recovering peer
// neither republishes stale gossip nor double-submits a round.
package storage

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/fxamacker/cbor/v2"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("storage")

const (
	roundPrefix      = "round/"
	submittedPrefix  = "submitted/"
	roundKeyTemplate = roundPrefix + "%020d/"
)

// Store is a badger-backed key-value store shared by the round cache and
// the submission ledger.
type Store struct {
	db *badger.DB
}

// SubmissionRecord is the durable trace of one successful reward
// submission, cbor-encoded in the store.
type SubmissionRecord struct {
	Round       int64     `cbor:"round"`
	Stage       int64     `cbor:"stage"`
	Reward      int64     `cbor:"reward"`
	Winner      string    `cbor:"winner"`
	SubmittedAt time.Time `cbor:"submitted_at"`
}

// Open opens (creating if needed) the store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}

	log.Debugf("Store opened at %s", dataDir)
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func roundEntryKey(round int64, peerID string) []byte {
	return []byte(fmt.Sprintf(roundKeyTemplate+"%s", round, peerID))
}

// PutRoundEntry records the codec-encoded payload batch one peer announced
// for a round. Later announcements from the same peer overwrite earlier
// ones, matching last-writer-wins store semantics.
func (s *Store) PutRoundEntry(round int64, peerID string, payloads []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roundEntryKey(round, peerID), payloads)
	})
	if err != nil {
		return fmt.Errorf("failed to store round %d entry for %s: %w", round, peerID, err)
	}
	return nil
}

// GetRoundRecord returns every peer's raw payload bytes for a round. An
// unknown round yields an empty map, not an error.
func (s *Store) GetRoundRecord(round int64) (map[string][]byte, error) {
	prefix := []byte(fmt.Sprintf(roundKeyTemplate, round))
	record := make(map[string][]byte)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			peerID := strings.TrimPrefix(string(item.Key()), string(prefix))
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			record[peerID] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read round %d record: %w", round, err)
	}
	return record, nil
}

// PruneRounds drops cached entries for rounds below keepFrom. The shared
// store itself has no retention; this only bounds local disk use.
func (s *Store) PruneRounds(keepFrom int64) error {
	var stale [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(roundPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			rest := strings.TrimPrefix(key, roundPrefix)
			slash := strings.IndexByte(rest, '/')
			if slash < 0 {
				continue
			}
			round, err := strconv.ParseInt(rest[:slash], 10, 64)
			if err != nil {
				continue
			}
			if round < keepFrom {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan rounds for pruning: %w", err)
	}

	if len(stale) == 0 {
		return nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to prune %d round entries: %w", len(stale), err)
	}

	log.Debugf("Pruned %d round entries below round %d", len(stale), keepFrom)
	return nil
}

// MarkSubmitted durably records a successful reward submission.
func (s *Store) MarkSubmitted(rec SubmissionRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode submission record: %w", err)
	}

	key := []byte(fmt.Sprintf(submittedPrefix+"%020d", rec.Round))
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to store submission record for round %d: %w", rec.Round, err)
	}
	return nil
}

// WasSubmitted reports whether a reward submission for the round has
// already been recorded as successful.
func (s *Store) WasSubmitted(round int64) (bool, error) {
	key := []byte(fmt.Sprintf(submittedPrefix+"%020d", round))

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check submission for round %d: %w", round, err)
	}
	return true, nil
}

// Submissions returns all recorded submissions in round order.
func (s *Store) Submissions() ([]SubmissionRecord, error) {
	var records []SubmissionRecord

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(submittedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec SubmissionRecord
			if err := cbor.Unmarshal(value, &rec); err != nil {
				log.Warnf("Skipping undecodable submission record %s: %v", it.Item().Key(), err)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return records, nil
}
