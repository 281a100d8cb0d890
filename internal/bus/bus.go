package bus

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is reported by a subscription released by its owner.
	ErrClosed = errors.New("bus: subscription closed")
	// ErrOverflow is reported by a subscription dropped because its buffer
	// was full. The subscriber must resync from storage.
	ErrOverflow = errors.New("bus: subscriber fell behind")
)

// DefaultBuffer is the per-subscription event buffer when none is configured.
const DefaultBuffer = 64

const publishStripes = 64

type topicKind uint8

const (
	topicConversation topicKind = iota + 1
	topicInbox
)

func (k topicKind) String() string {
	if k == topicInbox {
		return "inbox"
	}
	return "conversation"
}

type topic struct {
	kind topicKind
	key  string
}

// Subscription is a live stream of events for one topic, owned by a session.
// Events() is closed when the subscription ends; Err() then tells why.
type Subscription struct {
	ID        string
	SessionID string

	topic  topic
	ch     chan Event
	done   chan struct{}
	err    error
	closed bool // guarded by Bus.mu
	bus    *Bus
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns nil while the subscription is live, ErrClosed after an explicit
// release, or ErrOverflow after the bus dropped a slow subscriber.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// ConversationID returns the conversation of a conversation subscription.
func (s *Subscription) ConversationID() string {
	if s.topic.kind == topicConversation {
		return s.topic.key
	}
	return ""
}

// IsInbox reports whether this is a request inbox subscription.
func (s *Subscription) IsInbox() bool { return s.topic.kind == topicInbox }

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithNodeID sets the identifier used to recognise this node's own events
// when they come back through a relay.
func WithNodeID(id string) Option {
	return func(b *Bus) {
		if id != "" {
			b.nodeID = id
		}
	}
}

// Relay forwards locally published events to other nodes.
type Relay interface {
	Forward(ctx context.Context, env Envelope) error
}

// Envelope is the unit a Relay carries between nodes.
type Envelope struct {
	Origin string `json:"origin"`
	Topic  string `json:"topic"`
	Key    string `json:"key"`
	Event  Event  `json:"event"`
}

// Bus is the in-process subscription registry and fan-out point.
//
// Subscriptions are indexed by conversation id, by user id (inbox), and by
// session id. All three indexes change together under mu.
type Bus struct {
	nodeID string
	buffer int
	seq    Sequencer

	mu            sync.RWMutex
	conversations map[string]map[string]*Subscription
	inboxes       map[string]map[string]*Subscription
	sessions      map[string]map[string]*Subscription
	relay         Relay

	// stripes serialize publishes per conversation so local delivery order
	// follows publish order.
	stripes [publishStripes]sync.Mutex
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		nodeID:        uuid.NewString(),
		buffer:        DefaultBuffer,
		seq:           NewMemorySequencer(),
		conversations: make(map[string]map[string]*Subscription),
		inboxes:       make(map[string]map[string]*Subscription),
		sessions:      make(map[string]map[string]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// NodeID identifies this bus instance among relayed nodes.
func (b *Bus) NodeID() string { return b.nodeID }

// SetRelay attaches (or with nil detaches) a cross-node relay.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// SubscribeConversation registers sessionID for events of conversationID.
func (b *Bus) SubscribeConversation(conversationID, sessionID string) *Subscription {
	return b.subscribe(topic{kind: topicConversation, key: conversationID}, sessionID)
}

// SubscribeInbox registers sessionID for request events addressed to userID.
func (b *Bus) SubscribeInbox(userID, sessionID string) *Subscription {
	return b.subscribe(topic{kind: topicInbox, key: userID}, sessionID)
}

func (b *Bus) subscribe(t topic, sessionID string) *Subscription {
	s := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		topic:     t,
		ch:        make(chan Event, b.buffer),
		done:      make(chan struct{}),
		bus:       b,
	}

	b.mu.Lock()
	idx := b.indexLocked(t.kind)
	set := idx[t.key]
	if set == nil {
		set = make(map[string]*Subscription)
		idx[t.key] = set
	}
	set[s.ID] = s

	owned := b.sessions[sessionID]
	if owned == nil {
		owned = make(map[string]*Subscription)
		b.sessions[sessionID] = owned
	}
	owned[s.ID] = s
	b.mu.Unlock()

	subscriptionsActive.WithLabelValues(t.kind.String()).Inc()
	return s
}

// Unsubscribe releases s. Releasing an already released subscription is a
// no-op and returns false. No event is delivered to s after it returns.
func (b *Bus) Unsubscribe(s *Subscription) bool {
	if s == nil {
		return false
	}
	return b.release(s, ErrClosed)
}

// CloseSession releases every subscription owned by sessionID and returns
// how many were live.
func (b *Bus) CloseSession(sessionID string) int {
	b.mu.RLock()
	owned := make([]*Subscription, 0, len(b.sessions[sessionID]))
	for _, s := range b.sessions[sessionID] {
		owned = append(owned, s)
	}
	b.mu.RUnlock()

	n := 0
	for _, s := range owned {
		if b.release(s, ErrClosed) {
			n++
		}
	}
	return n
}

func (b *Bus) release(s *Subscription, cause error) bool {
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return false
	}
	s.closed = true

	idx := b.indexLocked(s.topic.kind)
	if set := idx[s.topic.key]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(idx, s.topic.key)
		}
	}
	if owned := b.sessions[s.SessionID]; owned != nil {
		delete(owned, s.ID)
		if len(owned) == 0 {
			delete(b.sessions, s.SessionID)
		}
	}

	s.err = cause
	close(s.done)
	close(s.ch)
	b.mu.Unlock()

	subscriptionsActive.WithLabelValues(s.topic.kind.String()).Dec()
	if errors.Is(cause, ErrOverflow) {
		subscriptionsDropped.Inc()
	}
	return true
}

func (b *Bus) indexLocked(k topicKind) map[string]map[string]*Subscription {
	if k == topicInbox {
		return b.inboxes
	}
	return b.conversations
}

// PublishConversation delivers ev to local subscribers and forwards it to
// the relay if any. Callers publish after their transaction commits. An event
// without a Seq gets the next number of this bus's own counter.
func (b *Bus) PublishConversation(ctx context.Context, ev Event) error {
	mu := &b.stripes[stripe(ev.ConversationID)]
	mu.Lock()
	defer mu.Unlock()

	if ev.Seq == 0 {
		seq, err := b.seq.Next(ctx, ev.ConversationID)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", ev.ConversationID).Msg("bus sequence unavailable")
		} else {
			ev.Seq = seq
		}
	}

	t := topic{kind: topicConversation, key: ev.ConversationID}
	b.deliver(t, ev)
	return b.forward(ctx, t, ev)
}

// PublishInbox delivers ev to the request inbox of userID.
func (b *Bus) PublishInbox(ctx context.Context, userID string, ev Event) error {
	ev.UserID = userID
	t := topic{kind: topicInbox, key: userID}
	b.deliver(t, ev)
	return b.forward(ctx, t, ev)
}

// DeliverRemote hands an event received from another node to local
// subscribers. Envelopes that originated here are ignored.
func (b *Bus) DeliverRemote(env Envelope) {
	if env.Origin == b.nodeID {
		return
	}
	kind := topicConversation
	if env.Topic == topicInbox.String() {
		kind = topicInbox
	}
	b.deliver(topic{kind: kind, key: env.Key}, env.Event)
}

func (b *Bus) deliver(t topic, ev Event) {
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()

	var slow []*Subscription
	delivered := 0

	b.mu.RLock()
	for _, s := range b.indexLocked(t.kind)[t.key] {
		select {
		case s.ch <- ev:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	eventsDelivered.Add(float64(delivered))
	for _, s := range slow {
		if b.release(s, ErrOverflow) {
			log.Warn().
				Str("subscription_id", s.ID).
				Str("session_id", s.SessionID).
				Str("topic", t.kind.String()).
				Str("event", string(ev.Type)).
				Msg("bus subscriber dropped")
		}
	}
}

func (b *Bus) forward(ctx context.Context, t topic, ev Event) error {
	b.mu.RLock()
	r := b.relay
	b.mu.RUnlock()
	if r == nil {
		return nil
	}
	env := Envelope{Origin: b.nodeID, Topic: t.kind.String(), Key: t.key, Event: ev}
	if err := r.Forward(ctx, env); err != nil {
		relayErrors.Inc()
		return err
	}
	return nil
}

// Stats reports how many conversation topics, inbox topics, and sessions
// currently hold subscriptions.
func (b *Bus) Stats() (conversations, inboxes, sessions int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conversations), len(b.inboxes), len(b.sessions)
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % publishStripes
}
