package auth

import "sync"

// subscriptionBuffer is the per-subscriber channel depth. A slow consumer
// loses intermediate states, never the stream: the latest state is always
// re-delivered on the next change.
const subscriptionBuffer = 16

// Subscription delivers Manager state changes until closed.
type Subscription struct {
	ch     chan State
	mu     sync.Mutex
	closed bool
}

// States returns the channel of state snapshots.
func (s *Subscription) States() <-chan State {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) send(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- state:
	default:
		// Drop for slow consumers; the next change carries fresher state.
	}
}

// notifier fans state snapshots out to subscribers.
type notifier struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (n *notifier) subscribe() *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub := &Subscription{ch: make(chan State, subscriptionBuffer)}
	n.subs = append(n.subs, sub)
	return sub
}

func (n *notifier) publish(state State) {
	n.mu.Lock()
	subs := make([]*Subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.send(state)
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
