package store

// Notifier receives a copy of every upload record right after it is
// persisted. It exists so a live dashboard can mirror progress without the
// state machine knowing about it. Publish must never block and its outcome
// is never allowed to fail the caller.
type Notifier interface {
	Publish(u *Upload)
}

// ChannelNotifier forwards record updates to a channel, dropping updates
// when the consumer lags behind. Progress events are frequent and purely
// cosmetic, so dropping beats blocking a worker.
type ChannelNotifier struct {
	ch chan *Upload
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan *Upload, buffer)}
}

// Updates returns the channel consumers read from.
func (n *ChannelNotifier) Updates() <-chan *Upload {
	return n.ch
}

// Publish sends the record without ever blocking.
func (n *ChannelNotifier) Publish(u *Upload) {
	select {
	case n.ch <- u:
	default:
	}
}
