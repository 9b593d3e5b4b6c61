package telegram

import (
	"context"
	"sync"
)

// SentText is a text reply recorded by MockClient.
type SentText struct {
	ChatID int64
	Text   string
}

// MockClient implements Client in memory for development and tests.
type MockClient struct {
	mu      sync.Mutex
	nextID  int64
	chats   map[int64][]Message
	sent    []SentText
	cmds    []BotCommand
	updates chan Message

	// sendMu keeps Close from closing updates under a pending Inject.
	sendMu    sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once

	// ForwardHook, when set, runs before every forward; a non-nil error
	// fails that forward.
	ForwardHook func(toChatID, fromChatID, messageID int64) error
	// OnText, when set, is called for every SendText.
	OnText func(chatID int64, text string)
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{
		chats:   make(map[int64][]Message),
		updates: make(chan Message, 100),
		done:    make(chan struct{}),
	}
}

// Put places msg in its chat without delivering it as an update. A zero
// MessageID is assigned. The stored message is returned.
func (m *MockClient) Put(msg Message) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(msg)
}

func (m *MockClient) putLocked(msg Message) Message {
	if msg.MessageID == 0 {
		m.nextID++
		msg.MessageID = m.nextID
	} else if msg.MessageID > m.nextID {
		m.nextID = msg.MessageID
	}
	m.chats[msg.ChatID] = append(m.chats[msg.ChatID], msg)
	return msg
}

// Inject stores msg and delivers it on the updates channel. It blocks while
// the channel is full, without holding the client's lock, and gives up once
// the client is closed.
func (m *MockClient) Inject(msg Message) Message {
	m.mu.Lock()
	stored := m.putLocked(msg)
	m.mu.Unlock()

	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	select {
	case <-m.done:
		return stored
	default:
	}
	select {
	case m.updates <- stored:
	case <-m.done:
	}
	return stored
}

func (m *MockClient) ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID int64) (int64, error) {
	if hook := m.ForwardHook; hook != nil {
		if err := hook(toChatID, fromChatID, messageID); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copied := Message{ChatID: fromChatID, MessageID: messageID}
	for _, msg := range m.chats[fromChatID] {
		if msg.MessageID == messageID {
			copied = msg
			break
		}
	}
	copied.ChatID = toChatID
	copied.MessageID = 0
	return m.putLocked(copied).MessageID, nil
}

func (m *MockClient) SendText(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, SentText{ChatID: chatID, Text: text})
	onText := m.OnText
	m.mu.Unlock()
	if onText != nil {
		onText(chatID, text)
	}
	return nil
}

func (m *MockClient) Updates(ctx context.Context) (<-chan Message, error) {
	return m.updates, nil
}

func (m *MockClient) SetCommands(ctx context.Context, cmds []BotCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append([]BotCommand(nil), cmds...)
	return nil
}

// Messages returns a copy of the messages held in chatID, oldest first.
func (m *MockClient) Messages(chatID int64) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.chats[chatID]...)
}

// Texts returns the text replies sent to chatID.
func (m *MockClient) Texts(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.ChatID == chatID {
			out = append(out, s.Text)
		}
	}
	return out
}

// Commands returns the last registered command menu.
func (m *MockClient) Commands() []BotCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BotCommand(nil), m.cmds...)
}

func (m *MockClient) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.sendMu.Lock()
		close(m.updates)
		m.sendMu.Unlock()
	})
	return nil
}
