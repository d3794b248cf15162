package convo

import (
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/jellydator/ttlcache/v3"

	"github.com/Conversly/wa-orchestrator/internal/buffer"
)

type state struct {
	mu       sync.Mutex
	prefix   []*schema.Message
	temp     []*schema.Message
	messages []*schema.Message
}

// Store holds the in-memory working context per conversation in three
// layers: prefix instructions (replaced wholesale per turn), temporary
// context notes, and the durable message history. FullContext always yields
// prefix, then temp, then messages. Idle conversations expire with the TTL.
type Store struct {
	contexts *ttlcache.Cache[string, *state]
}

func NewStore(ttl time.Duration) *Store {
	s := &Store{
		contexts: ttlcache.New[string, *state](
			ttlcache.WithTTL[string, *state](ttl),
		),
	}
	go s.contexts.Start()
	return s
}

func (s *Store) Stop() {
	s.contexts.Stop()
}

func (s *Store) get(tenantID, sender string) *state {
	item, _ := s.contexts.GetOrSet(buffer.Key(sender, tenantID), &state{})
	return item.Value()
}

// SetPrefixInstructions replaces the instruction layer for the conversation.
func (s *Store) SetPrefixInstructions(tenantID, sender string, instructions []*schema.Message) {
	st := s.get(tenantID, sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prefix = append([]*schema.Message(nil), instructions...)
}

// AddMessage appends to the durable message layer.
func (s *Store) AddMessage(tenantID, sender string, role schema.RoleType, content string) {
	st := s.get(tenantID, sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.messages = append(st.messages, newMessage(role, content))
}

// AddTempContext appends a system note to the temporary layer. Temp entries
// sit between instructions and the message history until cleared.
func (s *Store) AddTempContext(tenantID, sender, content string) {
	st := s.get(tenantID, sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.temp = append(st.temp, schema.SystemMessage(content))
}

// Messages returns a copy of the durable message layer.
func (s *Store) Messages(tenantID, sender string) []*schema.Message {
	st := s.get(tenantID, sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]*schema.Message(nil), st.messages...)
}

// FullContext returns prefix ++ temp ++ messages, the exact sequence handed
// to the model.
func (s *Store) FullContext(tenantID, sender string) []*schema.Message {
	st := s.get(tenantID, sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*schema.Message, 0, len(st.prefix)+len(st.temp)+len(st.messages))
	out = append(out, st.prefix...)
	out = append(out, st.temp...)
	out = append(out, st.messages...)
	return out
}

// ClearTempContext drops the temporary layer.
func (s *Store) ClearTempContext(tenantID, sender string) {
	st := s.get(tenantID, sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.temp = nil
}

// ClearPrefixInstructions drops the instruction layer.
func (s *Store) ClearPrefixInstructions(tenantID, sender string) {
	st := s.get(tenantID, sender)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prefix = nil
}

// ResetConversation removes all three layers for the conversation.
func (s *Store) ResetConversation(tenantID, sender string) {
	s.contexts.Delete(buffer.Key(sender, tenantID))
}

func newMessage(role schema.RoleType, content string) *schema.Message {
	switch role {
	case schema.User:
		return schema.UserMessage(content)
	case schema.Assistant:
		return schema.AssistantMessage(content, nil)
	case schema.System:
		return schema.SystemMessage(content)
	default:
		return &schema.Message{Role: role, Content: content}
	}
}
