package core

import (
	"context"
	"strings"
	"time"

	"github.com/Conversly/wa-orchestrator/internal/loaders"
)

// MessageStore is the durable side of a conversation: conversation rows plus
// message rows written through the background batch saver.
type MessageStore struct {
	db *loaders.PostgresClient
}

func NewMessageStore(db *loaders.PostgresClient) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) GetOrCreateConversation(ctx context.Context, tenantID, phoneNumber string) (string, error) {
	return s.db.GetOrCreateConversation(ctx, tenantID, phoneNumber)
}

func (s *MessageStore) CloseConversation(ctx context.Context, tenantID, phoneNumber string) error {
	return s.db.CloseConversation(ctx, tenantID, phoneNumber)
}

// SaveInboundMessage persists an inbound message synchronously. The turn that
// answers it updates the row's metadata by provider id, so the row must be
// visible before processing starts rather than sitting in the batch queue.
func (s *MessageStore) SaveInboundMessage(ctx context.Context, conversationID, messageUID, role, content string, metadata map[string]interface{}) error {
	return s.db.BatchInsertMessages(ctx, []loaders.MessageRow{{
		ID:             messageUID,
		ConversationID: conversationID,
		Role:           strings.ToLower(role),
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}})
}

// SaveMessage enqueues a message row for background persistence. messageUID
// may be empty; a UUIDv7 is assigned then.
func (s *MessageStore) SaveMessage(ctx context.Context, conversationID, messageUID, role, content string, metadata map[string]interface{}) error {
	return SaveConversationMessagesBackground(ctx, s.db, MessageRecord{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		MessageUID:     messageUID,
		Metadata:       metadata,
	})
}

// UpdateMessageMetadata merges fields into an already-saved message's
// metadata. Writes directly, bypassing the batch saver.
func (s *MessageStore) UpdateMessageMetadata(ctx context.Context, conversationID, messageID string, metadata map[string]interface{}) error {
	return s.db.UpdateMessageMetadata(ctx, conversationID, messageID, metadata)
}

// ConversationHistory returns the most recent persisted messages of the
// active conversation in chronological order. No active conversation yields
// an empty history.
func (s *MessageStore) ConversationHistory(ctx context.Context, tenantID, phoneNumber string, limit int) ([]loaders.MessageRow, error) {
	conversationID, err := s.db.GetActiveConversation(ctx, tenantID, phoneNumber)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		return nil, nil
	}
	return s.db.GetConversationHistory(ctx, conversationID, limit)
}
