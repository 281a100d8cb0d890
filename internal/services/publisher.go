package services

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/onechat-realtime/internal/bus"
)

// Publisher is the part of the delivery bus the services need. Events are
// published only after the mutation has committed.
type Publisher interface {
	PublishConversation(ctx context.Context, ev bus.Event) error
	PublishInbox(ctx context.Context, userID string, ev bus.Event) error
}

type nopPublisher struct{}

func (nopPublisher) PublishConversation(context.Context, bus.Event) error  { return nil }
func (nopPublisher) PublishInbox(context.Context, string, bus.Event) error { return nil }

func publisherOrNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// Delivery failures never undo a committed mutation; subscribers resync.
func publishConversation(ctx context.Context, p Publisher, ev bus.Event) {
	if err := p.PublishConversation(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("conversation_id", ev.ConversationID).
			Str("event", string(ev.Type)).
			Msg("publish conversation event failed")
	}
}

func publishInbox(ctx context.Context, p Publisher, userID string, ev bus.Event) {
	if err := p.PublishInbox(ctx, userID, ev); err != nil {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("event", string(ev.Type)).
			Msg("publish inbox event failed")
	}
}

const lockStripes = 128

// stripedLock serializes work per key (conversation id) so that commit order
// and publish order agree for one conversation.
type stripedLock struct {
	mu [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.mu[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
