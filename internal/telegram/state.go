package telegram

import (
	"sync"
	"time"
)

// State constants
const (
	StateWaitTimezone = "wait_timezone"
)

// ChatState is a pending conversation step for a chat.
type ChatState struct {
	State   string
	Expires time.Time
}

// StateManager tracks pending conversation steps. A step that is not
// completed within the TTL is dropped.
type StateManager struct {
	mu     sync.Mutex
	states map[int64]ChatState
	ttl    time.Duration
	now    func() time.Time
}

func NewStateManager(ttl time.Duration) *StateManager {
	return &StateManager{
		states: make(map[int64]ChatState),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Set records the chat's pending step.
func (sm *StateManager) Set(chatID int64, state string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.states[chatID] = ChatState{
		State:   state,
		Expires: sm.now().Add(sm.ttl),
	}
}

// Get returns the chat's pending step, or "" if there is none.
func (sm *StateManager) Get(chatID int64) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.states[chatID]
	if !ok {
		return ""
	}
	if sm.now().After(st.Expires) {
		delete(sm.states, chatID)
		return ""
	}
	return st.State
}

// Clear removes the chat's pending step.
func (sm *StateManager) Clear(chatID int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.states, chatID)
}
