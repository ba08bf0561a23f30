// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ephemerachat/ephemera/peer"
)

// MemoryStore keeps messages in process memory. It is the default for
// ephemeral sessions: closing the client discards the history.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*peer.Message
	// order preserves insertion order per conversation so equal
	// timestamps do not shuffle.
	order map[string][]string
}

var _ peer.MessageStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*peer.Message),
		order:    make(map[string][]string),
	}
}

// Save records a message. Saving an ID twice overwrites the earlier
// record in place.
func (s *MemoryStore) Save(message peer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[message.ID]; !exists {
		s.order[message.ConversationID] = append(s.order[message.ConversationID], message.ID)
	}
	stored := message
	s.messages[message.ID] = &stored
	return nil
}

// UpdateStatus changes the delivery status of a stored message.
func (s *MemoryStore) UpdateStatus(id string, status peer.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("storage: message %s not found", id)
	}
	message.Status = status
	return nil
}

// Messages returns the messages of one conversation in insertion
// order.
func (s *MemoryStore) Messages(conversationID string) ([]peer.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.order[conversationID]
	messages := make([]peer.Message, 0, len(ids))
	for _, id := range ids {
		if message, ok := s.messages[id]; ok {
			messages = append(messages, *message)
		}
	}
	return messages, nil
}

// Conversations returns the known conversation IDs, sorted.
func (s *MemoryStore) Conversations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.order))
	for id := range s.order {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteConversation discards one conversation's history.
func (s *MemoryStore) DeleteConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[conversationID] {
		delete(s.messages, id)
	}
	delete(s.order, conversationID)
	return nil
}
