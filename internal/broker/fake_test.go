package broker

import (
	"context"
	"errors"
	"sync"
)

type published struct {
	key     string
	payload []byte
}

// fakeTransport refuses the first rejectFirst connects and fails the next
// failPublish publishes, dropping the connection each time.
type fakeTransport struct {
	mu          sync.Mutex
	rejectFirst int
	failPublish int
	connects    int
	subscribes  int
	connected   bool
	queue       string
	handler     Handler
	published   []published

	// hold, when set, parks the next Publish: it sends once on entry and
	// then waits for a receive-side release.
	hold chan struct{}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.rejectFirst {
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, key string, payload []byte) error {
	f.mu.Lock()
	hold := f.hold
	f.hold = nil
	f.mu.Unlock()
	if hold != nil {
		hold <- struct{}{}
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("not connected")
	}
	if f.failPublish > 0 {
		f.failPublish--
		f.connected = false
		return errors.New("connection reset by peer")
	}
	f.published = append(f.published, published{key: key, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, queue string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.queue = queue
	f.handler = h
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// deliver pushes body through the subscription as the broker would.
func (f *fakeTransport) deliver(body []byte) *fakeDelivery {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	d := &fakeDelivery{body: body, settled: make(chan string, 1)}
	h(d)
	return d
}

type fakeDelivery struct {
	body    []byte
	settled chan string
}

func (d *fakeDelivery) Body() []byte  { return d.body }
func (d *fakeDelivery) Ack() error    { d.settled <- "ack"; return nil }
func (d *fakeDelivery) Nack() error   { d.settled <- "nack"; return nil }
func (d *fakeDelivery) Reject() error { d.settled <- "reject"; return nil }
