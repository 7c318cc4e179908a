// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	badgerstore "github.com/AleutianAI/AleutianChat/services/orchestrator/storage/badger"
)

// Key layout:
//
//	t:<owner>\x00<thread>  JSON-encoded datatypes.Thread (messages inline)
//	p:<owner>              model mode preference
//
// The NUL separator keeps one owner's prefix from matching another owner
// whose ID extends it.
const (
	threadPrefix = "t:"
	prefPrefix   = "p:"
)

func threadKey(ownerID, threadID string) []byte {
	return []byte(threadPrefix + ownerID + "\x00" + threadID)
}

func ownerPrefix(ownerID string) []byte {
	return []byte(threadPrefix + ownerID + "\x00")
}

// errStopScan ends a scan early without reporting an error.
var errStopScan = errors.New("stop scan")

func prefKey(ownerID string) []byte {
	return []byte(prefPrefix + ownerID)
}

// BadgerBackend stores threads in BadgerDB, one value per thread. Deleting
// the value deletes its messages with it.
type BadgerBackend struct {
	db *badgerstore.DB
}

// NewBadgerBackend wraps an open database. The backend closes db on Close.
func NewBadgerBackend(db *badgerstore.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

// OpenBadgerBackend opens a database from cfg and wraps it.
func OpenBadgerBackend(cfg badgerstore.Config) (*BadgerBackend, error) {
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewBadgerBackend(db), nil
}

func (b *BadgerBackend) Insert(ctx context.Context, th *datatypes.Thread) error {
	value, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	key := threadKey(th.OwnerID, th.ThreadID)
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, found, err := badgerstore.GetValue(txn, key)
		if err != nil {
			return err
		}
		if found {
			return ErrThreadExists
		}
		return txn.Set(key, value)
	})
}

func (b *BadgerBackend) Load(ctx context.Context, ownerID, threadID string) (*datatypes.Thread, error) {
	var th *datatypes.Thread
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		value, found, err := badgerstore.GetValue(txn, threadKey(ownerID, threadID))
		if err != nil {
			return err
		}
		if !found {
			return datatypes.ErrNotFound
		}
		th, err = decodeThread(value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return th, nil
}

// Save replaces a stored thread. It fails with ErrNotFound if the thread
// was removed in the meantime.
func (b *BadgerBackend) Save(ctx context.Context, th *datatypes.Thread) error {
	value, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("encode thread: %w", err)
	}
	key := threadKey(th.OwnerID, th.ThreadID)
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, found, err := badgerstore.GetValue(txn, key)
		if err != nil {
			return err
		}
		if !found {
			return datatypes.ErrNotFound
		}
		return txn.Set(key, value)
	})
}

func (b *BadgerBackend) Remove(ctx context.Context, ownerID, threadID string) error {
	key := threadKey(ownerID, threadID)
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, found, err := badgerstore.GetValue(txn, key)
		if err != nil {
			return err
		}
		if !found {
			return datatypes.ErrNotFound
		}
		return txn.Delete(key)
	})
}

func (b *BadgerBackend) Scan(ctx context.Context, ownerID string, fn func(*datatypes.Thread) bool) error {
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return badgerstore.ScanPrefix(txn, ownerPrefix(ownerID), func(_, value []byte) error {
			th, err := decodeThread(value)
			if err != nil {
				return err
			}
			if !fn(th) {
				return errStopScan
			}
			return nil
		})
	})
	if errors.Is(err, errStopScan) {
		return nil
	}
	return err
}

func (b *BadgerBackend) GetPreference(ctx context.Context, ownerID string) (string, error) {
	var mode string
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		value, _, err := badgerstore.GetValue(txn, prefKey(ownerID))
		mode = string(value)
		return err
	})
	return mode, err
}

func (b *BadgerBackend) PutPreference(ctx context.Context, ownerID, modelMode string) error {
	return b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(prefKey(ownerID), []byte(modelMode))
	})
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func decodeThread(value []byte) (*datatypes.Thread, error) {
	var th datatypes.Thread
	if err := json.Unmarshal(value, &th); err != nil {
		return nil, fmt.Errorf("decode thread: %w", err)
	}
	if th.Messages == nil {
		th.Messages = []datatypes.Message{}
	}
	if th.Tags == nil {
		th.Tags = []string{}
	}
	return &th, nil
}
