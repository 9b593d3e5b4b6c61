package bot

import (
	"context"
	"sync"

	"filestore/internal/telegram"
)

// lanes runs each user's updates one at a time, in arrival order, while
// different users proceed in parallel. A user's worker exits once their
// queue is empty, so idle users cost nothing.
type lanes struct {
	mu     sync.Mutex
	queues map[int64]*lane
	wg     sync.WaitGroup
	handle func(ctx context.Context, msg telegram.Message)
}

type lane struct {
	pending []telegram.Message
}

func newLanes(handle func(context.Context, telegram.Message)) *lanes {
	return &lanes{queues: make(map[int64]*lane), handle: handle}
}

func laneKey(msg telegram.Message) int64 {
	if msg.FromID != 0 {
		return msg.FromID
	}
	return msg.ChatID
}

// dispatch queues msg behind the sender's earlier updates.
func (l *lanes) dispatch(ctx context.Context, msg telegram.Message) {
	key := laneKey(msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if q, ok := l.queues[key]; ok {
		q.pending = append(q.pending, msg)
		return
	}
	q := &lane{pending: []telegram.Message{msg}}
	l.queues[key] = q
	l.wg.Add(1)
	go l.drain(ctx, key, q)
}

func (l *lanes) drain(ctx context.Context, key int64, q *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(q.pending) == 0 || ctx.Err() != nil {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		l.mu.Unlock()

		l.handle(ctx, msg)
	}
}

// wait blocks until every queued update has been handled.
func (l *lanes) wait() {
	l.wg.Wait()
}
