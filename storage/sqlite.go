// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ephemerachat/ephemera/peer"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	type            TEXT NOT NULL,
	content         TEXT NOT NULL,
	metadata        TEXT,
	timestamp       TEXT NOT NULL,
	status          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_conversation
	ON messages (conversation_id, timestamp);
`

// SQLiteStore persists messages in a local SQLite database. Use the
// ":memory:" path for a throwaway database with SQL semantics.
type SQLiteStore struct {
	db *sql.DB
}

var _ peer.MessageStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the message database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	// The sqlite3 driver serializes per connection; a single
	// connection avoids table-lock errors from concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a message record.
func (s *SQLiteStore) Save(message peer.Message) error {
	var metadata []byte
	if message.Metadata != nil {
		encoded, err := json.Marshal(message.Metadata)
		if err != nil {
			return fmt.Errorf("storage: encoding metadata for %s: %w", message.ID, err)
		}
		metadata = encoded
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages
			(id, conversation_id, sender_id, type, content, metadata, timestamp, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Type,
		message.Content,
		metadata,
		message.Timestamp.UTC().Format(time.RFC3339Nano),
		string(message.Status),
	)
	if err != nil {
		return fmt.Errorf("storage: saving message %s: %w", message.ID, err)
	}
	return nil
}

// UpdateStatus changes the delivery status of a stored message.
func (s *SQLiteStore) UpdateStatus(id string, status peer.MessageStatus) error {
	result, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage: updating status of %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: updating status of %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("storage: message %s not found", id)
	}
	return nil
}

// Messages returns the messages of one conversation ordered by
// timestamp.
func (s *SQLiteStore) Messages(conversationID string) ([]peer.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, type, content, metadata, timestamp, status
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: querying conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []peer.Message
	for rows.Next() {
		var (
			message   peer.Message
			metadata  sql.NullString
			timestamp string
			status    string
		)
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.Type,
			&message.Content,
			&metadata,
			&timestamp,
			&status,
		); err != nil {
			return nil, fmt.Errorf("storage: scanning message row: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &message.Metadata); err != nil {
				return nil, fmt.Errorf("storage: decoding metadata of %s: %w", message.ID, err)
			}
		}
		parsed, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("storage: parsing timestamp of %s: %w", message.ID, err)
		}
		message.Timestamp = parsed
		message.Status = peer.MessageStatus(status)
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// Conversations returns the distinct conversation IDs, sorted.
func (s *SQLiteStore) Conversations() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT conversation_id FROM messages ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: querying conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scanning conversation row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteConversation discards one conversation's history.
func (s *SQLiteStore) DeleteConversation(conversationID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("storage: deleting conversation %s: %w", conversationID, err)
	}
	return nil
}
