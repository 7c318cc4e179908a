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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS threads (
		thread_id    TEXT PRIMARY KEY,
		owner_id     TEXT NOT NULL,
		title        TEXT NOT NULL,
		custom_title INTEGER NOT NULL DEFAULT 0,
		model        TEXT NOT NULL DEFAULT '',
		temperature  REAL NOT NULL,
		pinned       INTEGER NOT NULL DEFAULT 0,
		archived     INTEGER NOT NULL DEFAULT 0,
		tags         TEXT NOT NULL DEFAULT '[]',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		thread_id TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		role      TEXT NOT NULL,
		content   TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		metadata  TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (thread_id, seq),
		FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS preferences (
		owner_id   TEXT PRIMARY KEY,
		model_mode TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_threads_owner_updated ON threads(owner_id, updated_at DESC);`,
}

// SQLiteBackend stores threads in SQLite through modernc.org/sqlite.
// Messages live in their own table and cascade on thread delete.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (creating if needed) the database at path and
// applies the schema. ":memory:" gives a private in-memory database.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, stmt := range append(pragmas, sqliteSchema...) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite (%s): %w", firstLine(stmt), err)
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Insert(ctx context.Context, th *datatypes.Thread) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE thread_id = ?`, th.ThreadID).Scan(&exists)
		if err == nil {
			return ErrThreadExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		tags, err := json.Marshal(th.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO threads(thread_id, owner_id, title, custom_title, model, temperature,
				pinned, archived, tags, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			th.ThreadID, th.OwnerID, th.Title, th.CustomTitle, th.Settings.Model, th.Settings.Temperature,
			th.Pinned, th.Archived, string(tags), th.CreatedAt.UnixNano(), th.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return err
		}
		return insertMessages(ctx, tx, th.ThreadID, th.Messages)
	})
}

func (b *SQLiteBackend) Load(ctx context.Context, ownerID, threadID string) (*datatypes.Thread, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT thread_id, owner_id, title, custom_title, model, temperature, pinned, archived,
			tags, created_at, updated_at
		FROM threads WHERE thread_id = ? AND owner_id = ?`, threadID, ownerID)
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datatypes.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT thread_id, role, content, timestamp, metadata FROM messages
		WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	err = scanMessages(rows, func(_ string, m datatypes.Message) {
		th.Messages = append(th.Messages, m)
	})
	if err != nil {
		return nil, err
	}
	return th, nil
}

// Save rewrites the thread row and all of its messages in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, th *datatypes.Thread) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		tags, err := json.Marshal(th.Tags)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE threads SET title = ?, custom_title = ?, model = ?, temperature = ?,
				pinned = ?, archived = ?, tags = ?, updated_at = ?
			WHERE thread_id = ? AND owner_id = ?`,
			th.Title, th.CustomTitle, th.Settings.Model, th.Settings.Temperature,
			th.Pinned, th.Archived, string(tags), th.UpdatedAt.UnixNano(),
			th.ThreadID, th.OwnerID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return datatypes.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, th.ThreadID); err != nil {
			return err
		}
		return insertMessages(ctx, tx, th.ThreadID, th.Messages)
	})
}

func (b *SQLiteBackend) Remove(ctx context.Context, ownerID, threadID string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ? AND owner_id = ?`, threadID, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return datatypes.ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) Scan(ctx context.Context, ownerID string, fn func(*datatypes.Thread) bool) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT thread_id, owner_id, title, custom_title, model, temperature, pinned, archived,
			tags, created_at, updated_at
		FROM threads WHERE owner_id = ?`, ownerID)
	if err != nil {
		return err
	}
	var order []*datatypes.Thread
	byID := make(map[string]*datatypes.Thread)
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			rows.Close()
			return err
		}
		order = append(order, th)
		byID[th.ThreadID] = th
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if len(order) == 0 {
		return nil
	}

	msgRows, err := b.db.QueryContext(ctx,
		`SELECT m.thread_id, m.role, m.content, m.timestamp, m.metadata
		FROM messages m JOIN threads t ON t.thread_id = m.thread_id
		WHERE t.owner_id = ? ORDER BY m.thread_id, m.seq`, ownerID)
	if err != nil {
		return err
	}
	defer msgRows.Close()
	err = scanMessages(msgRows, func(threadID string, m datatypes.Message) {
		if th, ok := byID[threadID]; ok {
			th.Messages = append(th.Messages, m)
		}
	})
	if err != nil {
		return err
	}

	for _, th := range order {
		if !fn(th) {
			return nil
		}
	}
	return nil
}

func (b *SQLiteBackend) GetPreference(ctx context.Context, ownerID string) (string, error) {
	var mode string
	err := b.db.QueryRowContext(ctx, `SELECT model_mode FROM preferences WHERE owner_id = ?`, ownerID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return mode, err
}

func (b *SQLiteBackend) PutPreference(ctx context.Context, ownerID, modelMode string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO preferences(owner_id, model_mode) VALUES(?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET model_mode = excluded.model_mode`,
		ownerID, modelMode)
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertMessages(ctx context.Context, tx *sql.Tx, threadID string, msgs []datatypes.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages(thread_id, seq, role, content, timestamp, metadata) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, m := range msgs {
		meta, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, threadID, i, m.Role, m.Content, m.Timestamp.UnixNano(), string(meta)); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*datatypes.Thread, error) {
	var (
		th               datatypes.Thread
		tags             string
		created, updated int64
	)
	err := row.Scan(&th.ThreadID, &th.OwnerID, &th.Title, &th.CustomTitle, &th.Settings.Model,
		&th.Settings.Temperature, &th.Pinned, &th.Archived, &tags, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &th.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if th.Tags == nil {
		th.Tags = []string{}
	}
	th.CreatedAt = time.Unix(0, created).UTC()
	th.UpdatedAt = time.Unix(0, updated).UTC()
	th.Messages = []datatypes.Message{}
	return &th, nil
}

func scanMessages(rows *sql.Rows, fn func(threadID string, m datatypes.Message)) error {
	for rows.Next() {
		var (
			threadID string
			m        datatypes.Message
			ts       int64
			meta     string
		)
		if err := rows.Scan(&threadID, &m.Role, &m.Content, &ts, &meta); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return fmt.Errorf("decode message metadata: %w", err)
		}
		if m.Metadata.EditedAt != nil {
			at := m.Metadata.EditedAt.UTC()
			m.Metadata.EditedAt = &at
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		fn(threadID, m)
	}
	return rows.Err()
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}
