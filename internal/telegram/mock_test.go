package telegram

import (
	"context"
	"testing"
	"time"
)

func TestMockClient_InjectBeyondBuffer(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()
	updates, _ := m.Updates(ctx)

	const total = 500
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for msg := range updates {
			// replying takes the client's lock while Inject may be blocked
			if err := m.SendText(ctx, msg.ChatID, "ok"); err != nil {
				t.Errorf("SendText: %v", err)
			}
		}
	}()

	injected := make(chan struct{})
	go func() {
		defer close(injected)
		for range total {
			m.Inject(Message{ChatID: 1, FromID: 1, Text: "/help"})
		}
	}()

	select {
	case <-injected:
	case <-time.After(5 * time.Second):
		t.Fatal("Inject deadlocked with a full update buffer")
	}
	m.Close()
	<-consumed

	if got := len(m.Texts(1)); got != total {
		t.Errorf("got %d replies, want %d", got, total)
	}
}

func TestMockClient_CloseReleasesBlockedInject(t *testing.T) {
	m := NewMockClient()
	for range cap(m.updates) {
		m.Inject(Message{ChatID: 1})
	}

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		m.Inject(Message{ChatID: 1})
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Inject stayed blocked after Close")
	}

	// closing twice and injecting after close are both harmless
	m.Close()
	m.Inject(Message{ChatID: 1})
	if got := len(m.Messages(1)); got != cap(m.updates)+2 {
		t.Errorf("got %d stored messages, want %d", got, cap(m.updates)+2)
	}
}
