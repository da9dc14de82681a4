package negotiation

import (
	"github.com/kw-m/webrtc-direct/pkg/signal"
)

// inbox queues the envelopes of one remote identity. At most one worker
// drains an inbox at a time, which keeps a peer's envelopes in arrival order.
type inbox struct {
	queue   []signal.Envelope
	running bool
}

// dispatchKey is the remote identity an envelope concerns.
func dispatchKey(env signal.Envelope) string {
	if env.Action == signal.ActionReceive {
		return env.From
	}
	return env.Target
}

// Dispatch queues env for handling and returns immediately. Envelopes from
// the same peer are handled one at a time in the order they were dispatched;
// different peers are handled concurrently.
func (n *Negotiator) Dispatch(env signal.Envelope) {
	key := dispatchKey(env)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.log.WithField("peer", key).Debug("Negotiator closed, dropping envelope")
		return
	}
	ib, ok := n.inboxes[key]
	if !ok {
		ib = &inbox{}
		n.inboxes[key] = ib
	}
	ib.queue = append(ib.queue, env)
	if !ib.running {
		ib.running = true
		n.workers.Add(1)
		go n.drain(key, ib)
	}
}

func (n *Negotiator) drain(key string, ib *inbox) {
	defer n.workers.Done()
	for {
		n.mu.Lock()
		if len(ib.queue) == 0 {
			ib.running = false
			delete(n.inboxes, key)
			n.mu.Unlock()
			return
		}
		env := ib.queue[0]
		ib.queue = ib.queue[1:]
		n.mu.Unlock()

		// errors are logged by HandleEnvelope and never stop the queue
		_ = n.HandleEnvelope(env)
	}
}
