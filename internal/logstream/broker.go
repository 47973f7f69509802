package logstream

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. Lines are
// dropped for a subscriber this far behind.
const subscriberBufferSize = 64

// Broker fans out per-job log lines to subscribers, typically SSE handlers.
// Safe for concurrent use.
//
// Finished jobs are retained as closed markers so a late subscriber gets a
// closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel receiving log lines for jobKey and an
// unsubscribe function. If the job's stream already ended, the channel is
// returned closed.
func (b *Broker) Subscribe(jobKey string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobKey]
	if !ok {
		t = &topic{subs: make(map[int]chan string)}
		b.topics[jobKey] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers a line to all subscribers of jobKey. Slow subscribers have
// the line dropped rather than blocking the streamer.
func (b *Broker) Publish(jobKey, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobKey]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the stream for jobKey: subscriber channels are closed and later
// Subscribe calls get a closed channel.
func (b *Broker) Close(jobKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobKey]
	if !ok {
		b.topics[jobKey] = &topic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
