package testing

import (
	"context"
	"sync"
)

// SentMessage is one message captured by MockSender.
type SentMessage struct {
	ChatID int64
	Text   string
}

// MockSender records every message instead of calling the Bot API.
// SendFunc, when set, decides the outcome of each send.
type MockSender struct {
	mu       sync.Mutex
	messages []SentMessage

	SendFunc func(ctx context.Context, chatID int64, text string) error
}

// NewMockSender returns an empty recording sender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// SendMessage records the message and applies SendFunc.
func (m *MockSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, chatID, text); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, SentMessage{ChatID: chatID, Text: text})
	return nil
}

// Messages returns a copy of everything sent so far.
func (m *MockSender) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessagesTo returns the texts sent to one chat.
func (m *MockSender) MessagesTo(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		if msg.ChatID == chatID {
			out = append(out, msg.Text)
		}
	}
	return out
}

// Last returns the most recent text sent to chatID, or "" if none.
func (m *MockSender) Last(chatID int64) string {
	texts := m.MessagesTo(chatID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

// Reset drops the recorded messages.
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
