package telegram

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateManager_DefaultsToIdle(t *testing.T) {
	m := NewStateManager()
	chat := m.Get(1)
	assert.Equal(t, StateIdle, chat.State)
}

func TestStateManager_SetAndReset(t *testing.T) {
	m := NewStateManager()

	m.Set(1, &Chat{State: StateAwaitingLoginPassword, Email: "a@b.com"})
	chat := m.Get(1)
	assert.Equal(t, StateAwaitingLoginPassword, chat.State)
	assert.Equal(t, "a@b.com", chat.Email)

	m.Reset(1)
	assert.Equal(t, StateIdle, m.Get(1).State)
}

func TestStateManager_ChatsAreIndependent(t *testing.T) {
	m := NewStateManager()

	m.Set(1, &Chat{State: StateAwaitingPrompt})
	assert.Equal(t, StateIdle, m.Get(2).State)
}

func TestStateManager_ConcurrentAccess(t *testing.T) {
	m := NewStateManager()

	var wg sync.WaitGroup
	for i := int64(0); i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			m.Set(id, &Chat{State: StateAwaitingPrompt})
			_ = m.Get(id)
			m.Reset(id)
		}(i)
	}
	wg.Wait()
}
