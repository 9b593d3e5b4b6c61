package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filestore/internal/logging"
	"filestore/internal/telegram"
)

var ErrRelayFailed = errors.New("relay failed")

var (
	relayAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filestore_relay_attempts_total",
		Help: "Forward attempts issued to the platform, by outcome.",
	}, []string{"outcome"})

	relayFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filestore_relay_failures_total",
		Help: "Relays that failed after exhausting the retry budget.",
	})
)

// Forwarder is the platform's copy primitive.
type Forwarder interface {
	ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID int64) (int64, error)
}

// Gateway relays payloads between chats with a uniform retry policy.
type Gateway struct {
	fwd        Forwarder
	policy     Policy
	backupChat int64
}

// NewGateway creates a gateway. backupChat of zero disables Mirror.
func NewGateway(fwd Forwarder, policy Policy, backupChat int64) *Gateway {
	return &Gateway{fwd: fwd, policy: policy, backupChat: backupChat}
}

// RelayIncoming copies an incoming message into dest and returns the
// reference of the copy.
func (g *Gateway) RelayIncoming(ctx context.Context, msg telegram.Message, dest int64) (int64, error) {
	return g.relay(ctx, msg.ChatID, msg.MessageID, dest)
}

// RelayByReference copies an already stored payload from src into dest.
func (g *Gateway) RelayByReference(ctx context.Context, src, ref, dest int64) (int64, error) {
	return g.relay(ctx, src, ref, dest)
}

// Mirror copies ref from src into the backup chat. It reports false without
// doing anything when no backup chat is configured.
func (g *Gateway) Mirror(ctx context.Context, src, ref int64) (int64, bool, error) {
	if g.backupChat == 0 {
		return 0, false, nil
	}
	id, err := g.relay(ctx, src, ref, g.backupChat)
	return id, true, err
}

func (g *Gateway) relay(ctx context.Context, src, ref, dest int64) (int64, error) {
	id, err := Do(ctx, g.policy, func(ctx context.Context) (int64, error) {
		id, err := g.fwd.ForwardMessage(ctx, dest, src, ref)
		if err != nil {
			relayAttemptsTotal.WithLabelValues("error").Inc()
			return 0, err
		}
		relayAttemptsTotal.WithLabelValues("ok").Inc()
		return id, nil
	}, func(attempt int, err error) {
		logging.Relay.Printf("forward %d:%d -> %d attempt %d failed: %v", src, ref, dest, attempt, err)
	})
	if err != nil {
		relayFailuresTotal.Inc()
		return 0, fmt.Errorf("%w: %w", ErrRelayFailed, err)
	}
	return id, nil
}
