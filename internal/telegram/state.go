package telegram

import "sync"

// ChatState tracks what kind of input a chat is expected to send next.
type ChatState int

const (
	StateIdle ChatState = iota
	StateAwaitingLoginEmail
	StateAwaitingLoginPassword
	StateAwaitingRegisterName
	StateAwaitingRegisterEmail
	StateAwaitingRegisterPassword
	StateAwaitingPrompt
)

// Chat holds the partial input collected while a multi-step command runs.
type Chat struct {
	State ChatState
	Name  string
	Email string
}

type StateManager struct {
	mu    sync.RWMutex
	chats map[int64]*Chat
}

func NewStateManager() *StateManager {
	return &StateManager{
		chats: make(map[int64]*Chat),
	}
}

func (m *StateManager) Get(chatID int64) *Chat {
	m.mu.RLock()
	chat, ok := m.chats[chatID]
	m.mu.RUnlock()
	if ok {
		return chat
	}
	return &Chat{State: StateIdle}
}

func (m *StateManager) Set(chatID int64, chat *Chat) {
	m.mu.Lock()
	m.chats[chatID] = chat
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.Set(chatID, &Chat{State: StateIdle})
}
