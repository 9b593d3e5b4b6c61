package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"filestore/internal/logging"
	"filestore/internal/store"
	"filestore/internal/telegram"
)

var (
	ErrNoActiveBatch = errors.New("no active batch")
	ErrEmptyBatch    = store.ErrEmptyBatch
	ErrUnauthorized  = store.ErrUnauthorized
)

// Phase is where a user is in the capture flow.
type Phase int

const (
	Idle Phase = iota
	AwaitingSingleFile
	CollectingBatch
)

func (p Phase) String() string {
	switch p {
	case AwaitingSingleFile:
		return "awaiting_single_file"
	case CollectingBatch:
		return "collecting_batch"
	default:
		return "idle"
	}
}

// Action tells the caller what became of an incoming payload.
type Action int

const (
	// ActionIgnore means the payload was not captured.
	ActionIgnore Action = iota
	// ActionStoreSingle means the payload consumed a single-capture request
	// and must now be stored by the caller.
	ActionStoreSingle
	// ActionAppended means the payload was relayed and joined the batch.
	ActionAppended
	// ActionDropped means the relay failed and the payload was left out of
	// the batch.
	ActionDropped
)

// AdminChecker answers whether a user may run batches.
type AdminChecker interface {
	IsAdmin(ctx context.Context, id int64) (bool, error)
}

// Relayer copies an incoming payload into the storage chat.
type Relayer interface {
	RelayIncoming(ctx context.Context, msg telegram.Message, dest int64) (int64, error)
}

type entry struct {
	mu      sync.Mutex
	phase   Phase
	refs    []int64
	removed bool
}

// Manager keeps one capture session per user. Each user has their own lock,
// so a slow relay for one user never blocks another. Only users with an
// active capture hold an entry; it is dropped as soon as they are Idle again.
type Manager struct {
	mu          sync.RWMutex
	users       map[int64]*entry
	admins      AdminChecker
	relay       Relayer
	storageChat int64
}

// NewManager creates a session manager relaying batch items into
// storageChat.
func NewManager(admins AdminChecker, relay Relayer, storageChat int64) *Manager {
	return &Manager{
		users:       make(map[int64]*entry),
		admins:      admins,
		relay:       relay,
		storageChat: storageChat,
	}
}

// acquire returns the user's entry locked. With create unset it returns nil
// for a user without an entry.
func (m *Manager) acquire(uid int64, create bool) *entry {
	for {
		m.mu.RLock()
		e, ok := m.users[uid]
		m.mu.RUnlock()

		if !ok {
			if !create {
				return nil
			}
			m.mu.Lock()
			if e, ok = m.users[uid]; !ok {
				e = &entry{}
				m.users[uid] = e
			}
			m.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// lost a race with release; look again
		e.mu.Unlock()
	}
}

// release unlocks e, dropping it from the map first when it is Idle.
func (m *Manager) release(uid int64, e *entry) {
	if e.phase == Idle {
		m.mu.Lock()
		if m.users[uid] == e {
			delete(m.users, uid)
		}
		m.mu.Unlock()
		e.removed = true
	}
	e.mu.Unlock()
}

func (m *Manager) requireAdmin(ctx context.Context, uid int64) error {
	ok, err := m.admins.IsAdmin(ctx, uid)
	if err != nil {
		return fmt.Errorf("failed to check admin: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// BeginSingleCapture arms the user for exactly one payload. Any batch in
// progress is discarded and the number of its items returned.
func (m *Manager) BeginSingleCapture(uid int64) int {
	e := m.acquire(uid, true)
	defer m.release(uid, e)

	discarded := 0
	if e.phase == CollectingBatch && len(e.refs) > 0 {
		discarded = len(e.refs)
		logging.Bot.Printf("user %d abandoned a batch of %d items", uid, discarded)
	}
	e.phase = AwaitingSingleFile
	e.refs = nil
	return discarded
}

// BeginBatch starts a fresh silent batch. Only admins may collect batches.
func (m *Manager) BeginBatch(ctx context.Context, uid int64) error {
	if err := m.requireAdmin(ctx, uid); err != nil {
		return err
	}

	e := m.acquire(uid, true)
	defer m.release(uid, e)
	e.phase = CollectingBatch
	e.refs = []int64{}
	return nil
}

// OnIncomingPayload routes a non-command message according to the user's
// phase. Batch items are relayed here, under the user's lock, so refs are
// appended in the order the relays complete.
func (m *Manager) OnIncomingPayload(ctx context.Context, uid int64, msg telegram.Message) (Action, error) {
	if msg.IsCommand() {
		return ActionIgnore, nil
	}

	e := m.acquire(uid, false)
	if e == nil {
		return ActionIgnore, nil
	}
	defer m.release(uid, e)

	switch e.phase {
	case AwaitingSingleFile:
		e.phase = Idle
		return ActionStoreSingle, nil

	case CollectingBatch:
		ref, err := m.relay.RelayIncoming(ctx, msg, m.storageChat)
		if err != nil {
			logging.Bot.Printf("dropped batch item %d from user %d: %v", msg.MessageID, uid, err)
			return ActionDropped, err
		}
		e.refs = append(e.refs, ref)
		return ActionAppended, nil
	}

	return ActionIgnore, nil
}

// FinishBatch ends the user's batch and returns its refs in capture order.
// The session is back to Idle afterwards even when the batch was empty.
func (m *Manager) FinishBatch(ctx context.Context, uid int64) ([]int64, error) {
	if err := m.requireAdmin(ctx, uid); err != nil {
		return nil, err
	}

	e := m.acquire(uid, false)
	if e == nil {
		return nil, ErrNoActiveBatch
	}
	defer m.release(uid, e)

	if e.phase != CollectingBatch {
		return nil, ErrNoActiveBatch
	}
	refs := e.refs
	e.phase = Idle
	e.refs = nil
	if len(refs) == 0 {
		return nil, ErrEmptyBatch
	}
	return refs, nil
}
