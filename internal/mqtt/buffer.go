package mqtt

// outboxMsg is a publish held while the broker is unreachable.
type outboxMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox queues publishes made while offline and hands them back in order on
// reconnect. A retained message replaces any earlier retained message for the
// same topic, since the broker would only keep the last one. When full the
// oldest entry is dropped.
// Not safe for concurrent use; the caller synchronizes.
type outbox struct {
	queue    []outboxMsg
	capacity int
	dropped  int
	overflow bool
}

func newOutbox(capacity int) *outbox {
	return &outbox{
		queue:    make([]outboxMsg, 0, capacity),
		capacity: capacity,
	}
}

// push queues msg. It returns true the first time an entry is dropped since
// the last drain.
func (o *outbox) push(msg outboxMsg) (firstDrop bool) {
	if msg.retained {
		for i, q := range o.queue {
			if q.retained && q.topic == msg.topic {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				break
			}
		}
	}
	if len(o.queue) == o.capacity {
		firstDrop = !o.overflow
		o.overflow = true
		o.dropped++
		o.queue = append(o.queue[:0], o.queue[1:]...)
	}
	o.queue = append(o.queue, msg)
	return firstDrop
}

// drain returns the queued messages oldest first and empties the outbox.
func (o *outbox) drain() []outboxMsg {
	if len(o.queue) == 0 {
		return nil
	}
	out := make([]outboxMsg, len(o.queue))
	copy(out, o.queue)
	o.queue = o.queue[:0]
	o.overflow = false
	o.dropped = 0
	return out
}

func (o *outbox) len() int {
	return len(o.queue)
}
