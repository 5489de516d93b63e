package registry

// Subscribe returns a channel that receives a coalesced signal whenever a node state or
// the pool health changes.
func (r *Registry) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes ch.
func (r *Registry) Unsubscribe(ch chan struct{}) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, subscriber := range r.subscribers {
		if subscriber == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

func (r *Registry) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, subscriber := range r.subscribers {
		select {
		case subscriber <- struct{}{}:
		default:
			// A signal is already pending.
		}
	}
}
