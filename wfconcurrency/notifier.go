package wfconcurrency

import "sync"

// Notifier is a small broadcast/single-wake condition signal, modeled after
// tokio::sync::Notify's two wake modes (spec.md §5 "Single-waker vs
// broadcast"): NotifyAll wakes every current waiter (used when new pending
// activations may satisfy several waiters at once), NotifyOne wakes at most
// one (used after an activation finishes, so cache-capacity waiters don't
// get a thundering-herd wakeup).
//
// No pack dependency models this exact pair of semantics (x/sync doesn't
// provide a Notify equivalent; sync.Cond has no single-wake primitive and no
// context-aware Wait), so this is a small hand-rolled primitive - see
// DESIGN.md.
type Notifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier { return &Notifier{} }

// Subscribe registers for the next wakeup. The returned channel is closed
// exactly once, by whichever of NotifyAll/NotifyOne wakes it first.
func (n *Notifier) Subscribe() <-chan struct{} {
	ch := make(chan struct{})
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// NotifyAll wakes every goroutine currently subscribed.
func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// NotifyOne wakes at most one currently-subscribed goroutine (the oldest
// subscriber), if any are waiting.
func (n *Notifier) NotifyOne() {
	n.mu.Lock()
	if len(n.subs) == 0 {
		n.mu.Unlock()
		return
	}
	ch := n.subs[0]
	n.subs = n.subs[1:]
	n.mu.Unlock()
	close(ch)
}
