package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/onechat-realtime/internal/bus"
)

// ResyncNotice tells the client that live delivery for a topic stopped and
// the current state must be re-fetched (listMessages or listPending) before
// subscribing again. Reason is "overflow" when the client fell behind and
// "gap" when an event of the conversation never arrived.
type ResyncNotice struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Inbox          bool   `json:"inbox,omitempty"`
	Reason         string `json:"reason"`
}

// Update is one item of a session's outbound stream. Exactly one field is set.
type Update struct {
	Event  *bus.Event
	Resync *ResyncNotice
}

// Session is a live connection of one user. It owns its bus subscriptions
// and merges them into one outbound stream. Close releases everything.
type Session struct {
	*Actor
	ID string

	out  chan Update
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	convs  map[string]*bus.Subscription
	inbox  *bus.Subscription
	once   sync.Once
}

// Updates is the outbound stream. It is closed after Close.
func (s *Session) Updates() <-chan Update { return s.out }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// SubscribeConversation starts live delivery of conversationID's events after
// checking the user may read it. Subscribing twice is a no-op.
//
// Events are delivered in seq order starting after the last event committed
// when the subscription took effect; earlier events are in listMessages.
func (s *Session) SubscribeConversation(ctx context.Context, conversationID string) error {
	if err := s.hub.Conversations.Authorize(ctx, conversationID, s.UserID); err != nil {
		return describe(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Describe(ErrSessionClosed)
	}
	if cur := s.convs[conversationID]; cur != nil && cur.Err() == nil {
		return nil
	}
	sub := s.hub.Bus.SubscribeConversation(conversationID, s.ID)
	last, err := s.hub.Conversations.LastSeq(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).
			Str("session_id", s.ID).
			Str("conversation_id", conversationID).
			Msg("conversation seq unavailable, ordering from first event")
	}
	s.convs[conversationID] = sub
	s.startForward(sub, newOrdering(last, err == nil))
	return nil
}

// Unsubscribe stops delivery for conversationID. It reports whether a live
// subscription was released; calling it again is harmless.
func (s *Session) Unsubscribe(conversationID string) bool {
	s.mu.Lock()
	sub := s.convs[conversationID]
	delete(s.convs, conversationID)
	s.mu.Unlock()
	return s.hub.Bus.Unsubscribe(sub)
}

// SubscribeRequestInbox starts live delivery of the user's request events.
// Subscribing twice is a no-op.
func (s *Session) SubscribeRequestInbox() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Describe(ErrSessionClosed)
	}
	if s.inbox != nil && s.inbox.Err() == nil {
		return nil
	}
	s.inbox = s.hub.Bus.SubscribeInbox(s.UserID, s.ID)
	s.startForward(s.inbox, nil)
	return nil
}

// UnsubscribeRequestInbox stops inbox delivery.
func (s *Session) UnsubscribeRequestInbox() bool {
	s.mu.Lock()
	sub := s.inbox
	s.inbox = nil
	s.mu.Unlock()
	return s.hub.Bus.Unsubscribe(sub)
}

// Subscriptions returns the conversation ids currently subscribed.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.convs))
	for id := range s.convs {
		out = append(out, id)
	}
	return out
}

// startForward must be called with s.mu held. A nil order forwards events as
// they arrive.
func (s *Session) startForward(sub *bus.Subscription, order *ordering) {
	s.wg.Add(1)
	go s.forward(sub, order)
}

func (s *Session) forward(sub *bus.Subscription, order *ordering) {
	defer s.wg.Done()

	var gap *time.Timer
	var expired <-chan time.Time
	defer func() {
		if gap != nil {
			gap.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				s.ended(sub)
				return
			}
			if order == nil {
				if !s.push(Update{Event: &ev}) {
					return
				}
				continue
			}
			ready, overflow := order.add(ev)
			if overflow {
				s.lost(sub)
				return
			}
			for i := range ready {
				if !s.push(Update{Event: &ready[i]}) {
					return
				}
			}
			switch {
			case order.waiting() && expired == nil:
				gap = time.NewTimer(s.gapWait())
				expired = gap.C
			case !order.waiting() && expired != nil:
				gap.Stop()
				expired = nil
			}
		case <-expired:
			s.lost(sub)
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) gapWait() time.Duration {
	if s.hub.GapWait > 0 {
		return s.hub.GapWait
	}
	return DefaultGapWait
}

// lost releases a conversation subscription whose sequence has a hole that
// did not fill in time.
func (s *Session) lost(sub *bus.Subscription) {
	s.mu.Lock()
	if s.convs[sub.ConversationID()] == sub {
		delete(s.convs, sub.ConversationID())
	}
	s.mu.Unlock()
	s.hub.Bus.Unsubscribe(sub)
	s.resync(sub, "gap")
}

// ended runs when the bus released sub. After an overflow the client is told
// to resync; an explicit release needs no notice.
func (s *Session) ended(sub *bus.Subscription) {
	s.mu.Lock()
	if sub.IsInbox() {
		if s.inbox == sub {
			s.inbox = nil
		}
	} else if s.convs[sub.ConversationID()] == sub {
		delete(s.convs, sub.ConversationID())
	}
	s.mu.Unlock()

	if !errors.Is(sub.Err(), bus.ErrOverflow) {
		return
	}
	s.resync(sub, "overflow")
}

func (s *Session) resync(sub *bus.Subscription, reason string) {
	notice := &ResyncNotice{ConversationID: sub.ConversationID(), Inbox: sub.IsInbox(), Reason: reason}
	topic := "conversation"
	if sub.IsInbox() {
		topic = "inbox"
	}
	resyncs.WithLabelValues(topic).Inc()
	log.Warn().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Str("conversation_id", notice.ConversationID).
		Bool("inbox", notice.Inbox).
		Str("reason", reason).
		Msg("session subscription dropped, asking client to resync")
	s.push(Update{Resync: notice})
}

func (s *Session) push(u Update) bool {
	select {
	case s.out <- u:
		return true
	case <-s.done:
		return false
	}
}

// Close releases every subscription of the session and closes Updates. It is
// safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.convs = map[string]*bus.Subscription{}
		s.inbox = nil
		s.mu.Unlock()

		close(s.done)
		released := s.hub.Bus.CloseSession(s.ID)
		s.wg.Wait()
		close(s.out)
		s.hub.forget(s.ID)

		log.Info().
			Str("session_id", s.ID).
			Str("user_id", s.UserID).
			Int("released", released).
			Msg("session closed")
	})
}
