package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/utils"
)

// ErrLockTimeout is returned by WithLock when the processing lock could not
// be acquired within the configured maximum wait.
var ErrLockTimeout = errors.New("timed out waiting for conversation lock")

// Key derives the buffer/lock/context key for a conversation. Every
// per-conversation map in the service shares this format.
func Key(sender, tenantID string) string {
	return sender + "_" + tenantID
}

// Entry is one buffered inbound message.
type Entry struct {
	MessageID  string
	Text       string
	Type       string
	ReceivedAt time.Time
	Processed  bool
}

// Metadata is the slot's frozen conversation identity, set at creation.
type Metadata struct {
	TenantID       string
	Sender         string
	ConversationID string
}

type slot struct {
	mu      sync.Mutex
	meta    Metadata
	entries []*Entry
}

// Manager coalesces rapid-fire inbound messages per conversation and hands
// out TTL-expiring advisory locks so only one worker drains a conversation
// at a time. Slots and locks expire independently; a crashed holder's lock
// clears itself after the lock TTL.
type Manager struct {
	slots *ttlcache.Cache[string, *slot]
	locks *ttlcache.Cache[string, struct{}]

	lockTTL      time.Duration
	maxWait      time.Duration
	pollInterval time.Duration
}

func NewManager(bufferTTL, lockTTL, maxWait, pollInterval time.Duration) *Manager {
	m := &Manager{
		slots: ttlcache.New[string, *slot](
			ttlcache.WithTTL[string, *slot](bufferTTL),
		),
		locks: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](lockTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		lockTTL:      lockTTL,
		maxWait:      maxWait,
		pollInterval: pollInterval,
	}
	go m.slots.Start()
	go m.locks.Start()
	return m
}

// Stop halts the expiration janitors.
func (m *Manager) Stop() {
	m.slots.Stop()
	m.locks.Stop()
}

// GetOrCreateBuffer ensures a slot exists for the conversation and returns
// its key. Creation is idempotent: an existing slot keeps its metadata and
// entries.
func (m *Manager) GetOrCreateBuffer(tenantID, sender, conversationID string) string {
	key := Key(sender, tenantID)
	_, existed := m.slots.GetOrSet(key, &slot{
		meta: Metadata{
			TenantID:       tenantID,
			Sender:         sender,
			ConversationID: conversationID,
		},
	})
	if !existed {
		utils.Zlog.Debug("Created message buffer",
			zap.String("key", key),
			zap.String("conversation_id", conversationID))
	}
	return key
}

// AddMessage appends an entry to an existing slot. If the slot is missing
// (expired or never created) the message is dropped with a warning.
func (m *Manager) AddMessage(key string, e Entry) {
	item := m.slots.Get(key)
	if item == nil {
		utils.Zlog.Warn("Buffer not found for key, dropping message",
			zap.String("key", key),
			zap.String("message_id", e.MessageID))
		return
	}
	s := item.Value()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := e
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, &entry)
}

// UnprocessedMessages returns copies of the slot's unprocessed entries in
// arrival order. Missing slot yields nil.
func (m *Manager) UnprocessedMessages(key string) []Entry {
	item := m.slots.Get(key)
	if item == nil {
		return nil
	}
	s := item.Value()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if !e.Processed {
			out = append(out, *e)
		}
	}
	return out
}

// MarkProcessed flags the given message ids as processed. Idempotent; ids
// not present in the slot are ignored.
func (m *Manager) MarkProcessed(key string, messageIDs []string) {
	item := m.slots.Get(key)
	if item == nil {
		return
	}
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	s := item.Value()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if _, ok := ids[e.MessageID]; ok {
			e.Processed = true
		}
	}
}

// HasNewPendingMessages reports whether the slot holds an unprocessed entry
// outside the given in-flight set. A true result means a reply computed from
// the in-flight set is already stale.
func (m *Manager) HasNewPendingMessages(key string, processingIDs []string) bool {
	item := m.slots.Get(key)
	if item == nil {
		return false
	}
	inFlight := make(map[string]struct{}, len(processingIDs))
	for _, id := range processingIDs {
		inFlight[id] = struct{}{}
	}
	s := item.Value()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Processed {
			continue
		}
		if _, ok := inFlight[e.MessageID]; !ok {
			return true
		}
	}
	return false
}

// Metadata returns the slot's conversation identity.
func (m *Manager) Metadata(key string) (Metadata, bool) {
	item := m.slots.Get(key)
	if item == nil {
		return Metadata{}, false
	}
	return item.Value().meta, true
}

// AcquireLock attempts to take the conversation's advisory lock. Returns
// false when another holder has it. Acquisition is a single atomic
// insert-if-absent; the lock expires on its own after the lock TTL.
func (m *Manager) AcquireLock(key string) bool {
	_, existed := m.locks.GetOrSet(key, struct{}{})
	return !existed
}

// ReleaseLock releases the conversation's advisory lock.
func (m *Manager) ReleaseLock(key string) {
	m.locks.Delete(key)
}

// IsLocked reports whether the conversation's lock is currently held.
func (m *Manager) IsLocked(key string) bool {
	return m.locks.Has(key)
}

// WithLock runs fn while holding the conversation's advisory lock, polling
// until the lock frees up. Gives up with ErrLockTimeout after the configured
// maximum wait. The lock is released on every exit path, including a panic
// inside fn.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	deadline := time.Now().Add(m.maxWait)
	for !m.AcquireLock(key) {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: key=%s waited=%s", ErrLockTimeout, key, m.maxWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
	defer m.ReleaseLock(key)
	return fn()
}

// ClearConversation removes the slot and its lock. Returns whether a slot
// existed.
func (m *Manager) ClearConversation(key string) bool {
	existed := m.slots.Has(key)
	m.slots.Delete(key)
	m.locks.Delete(key)
	return existed
}

// ClearAllConversations drops every slot and lock.
func (m *Manager) ClearAllConversations() {
	m.slots.DeleteAll()
	m.locks.DeleteAll()
}

// ActiveConversations returns the keys of all live slots.
func (m *Manager) ActiveConversations() []string {
	return m.slots.Keys()
}
