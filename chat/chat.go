// Package chat is the minimal message persistence behind the realtime hub.
package chat

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotParticipant is returned when a user posts to a chat they are not part of.
var ErrNotParticipant = errors.New("not a participant of this chat")

// Message is a single chat message.
type Message struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chatId"`
	SenderID string    `json:"senderId"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
	Status   string    `json:"status"`
}

// Chat is a conversation between participants.
type Chat struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Service is the persistence boundary the hub depends on.
//
// Chats are provisioned by the external persistence collaborator; the hub
// never creates them. Until a chat exists with the sender as a participant,
// AddMessage fails with ErrNotParticipant and the hub answers Unauthorized.
type Service interface {
	AddMessage(ctx context.Context, userID, chatID, content string) (Message, error)
}

// MemoryService keeps chats and messages in memory. Callers seed chats
// through CreateChat.
type MemoryService struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	messages map[string][]Message
}

// NewMemoryService constructs an empty service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		chats:    make(map[string]*Chat),
		messages: make(map[string][]Message),
	}
}

// CreateChat registers a chat for the given participants.
func (s *MemoryService) CreateChat(_ context.Context, participants ...string) Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Chat{
		ID:           "chat-" + uuid.NewString(),
		Participants: slices.Clone(participants),
		UpdatedAt:    time.Now().UTC(),
	}
	s.chats[c.ID] = c
	return *c
}

// AddMessage appends a message if userID participates in chatID.
func (s *MemoryService) AddMessage(_ context.Context, userID, chatID, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok || !slices.Contains(c.Participants, userID) {
		return Message{}, ErrNotParticipant
	}
	msg := Message{
		ID:       "msg-" + uuid.NewString(),
		ChatID:   chatID,
		SenderID: userID,
		Content:  content,
		SentAt:   time.Now().UTC(),
		Status:   "sent",
	}
	s.messages[chatID] = append(s.messages[chatID], msg)
	c.UpdatedAt = msg.SentAt
	return msg, nil
}

// Messages returns the messages of a chat visible to userID, oldest first.
func (s *MemoryService) Messages(_ context.Context, userID, chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok || !slices.Contains(c.Participants, userID) {
		return nil
	}
	return slices.Clone(s.messages[chatID])
}
