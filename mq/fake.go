/*
Copyright 2022 The MASH Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mq

import (
	"context"
	"fmt"
	"sync"
)

// FakeMessage is a Message for tests.
type FakeMessage struct {
	Payload []byte
	Key     string

	mut    sync.Mutex
	acked  bool
	nacked bool
}

// NewFakeMessage returns a fake delivery with the given routing key and body.
func NewFakeMessage(key string, body []byte) *FakeMessage {
	return &FakeMessage{Payload: body, Key: key}
}

func (m *FakeMessage) Body() []byte       { return m.Payload }
func (m *FakeMessage) RoutingKey() string { return m.Key }

func (m *FakeMessage) Ack() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.acked = true
	return nil
}

func (m *FakeMessage) Nack(requeue bool) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.nacked = true
	return nil
}

// Acked reports whether Ack was called.
func (m *FakeMessage) Acked() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.acked
}

// Nacked reports whether Nack was called.
func (m *FakeMessage) Nacked() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.nacked
}

// Published records one Publish call on a FakeBroker.
type Published struct {
	Exchange string
	Key      string
	Body     []byte
}

// Binding records one queue binding on a FakeBroker.
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// FakeBroker is an in-memory Broker for tests. Deliver hands a message to
// the consumer registered for a queue, synchronously.
type FakeBroker struct {
	mut       sync.Mutex
	published []Published
	bindings  map[Binding]bool
	consumers map[string]Handler
	// PublishErr, when set, fails every Publish with this error.
	PublishErr error
	// DeclareErr, when set, fails every DeclareQueue with this error.
	DeclareErr error
	closed     bool
}

// NewFakeBroker returns an empty fake broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		bindings:  map[Binding]bool{},
		consumers: map[string]Handler{},
	}
}

func (f *FakeBroker) Publish(exchange, key string, body []byte) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	f.published = append(f.published, Published{Exchange: exchange, Key: key, Body: cp})
	return nil
}

func (f *FakeBroker) DeclareQueue(queue, exchange, key string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.DeclareErr != nil {
		return f.DeclareErr
	}
	f.bindings[Binding{Queue: queue, Exchange: exchange, Key: key}] = true
	return nil
}

func (f *FakeBroker) UnbindQueue(queue, exchange, key string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	delete(f.bindings, Binding{Queue: queue, Exchange: exchange, Key: key})
	return nil
}

func (f *FakeBroker) DeleteQueue(queue string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	delete(f.consumers, queue)
	return nil
}

func (f *FakeBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	f.mut.Lock()
	f.consumers[queue] = handler
	f.mut.Unlock()
	<-ctx.Done()
	f.mut.Lock()
	delete(f.consumers, queue)
	f.mut.Unlock()
	return nil
}

func (f *FakeBroker) Close() error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.closed = true
	return nil
}

// Deliver hands msg to the consumer registered for queue.
func (f *FakeBroker) Deliver(queue string, msg Message) error {
	f.mut.Lock()
	handler, ok := f.consumers[queue]
	f.mut.Unlock()
	if !ok {
		return fmt.Errorf("no consumer for queue %s", queue)
	}
	handler(msg)
	return nil
}

// HasConsumer reports whether a consumer is registered for queue.
func (f *FakeBroker) HasConsumer(queue string) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	_, ok := f.consumers[queue]
	return ok
}

// PublishedTo returns the publishes recorded for the exchange.
func (f *FakeBroker) PublishedTo(exchange string) []Published {
	f.mut.Lock()
	defer f.mut.Unlock()
	var out []Published
	for _, p := range f.published {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// AllPublished returns every publish recorded, in order.
func (f *FakeBroker) AllPublished() []Published {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]Published(nil), f.published...)
}

// Bound reports whether the binding exists.
func (f *FakeBroker) Bound(queue, exchange, key string) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.bindings[Binding{Queue: queue, Exchange: exchange, Key: key}]
}
