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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const redialBackoff = 5 * time.Second

// Client is an AMQP-backed Broker. The publisher channel is not safe for
// concurrent use, so every publish holds the client mutex; consumers open
// their own channels.
type Client struct {
	url string

	mut     sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// Connect dials the broker and opens the publisher channel.
func Connect(url string) (*Client, error) {
	c := &Client{url: url}
	if err := c.dial(); err != nil {
		return nil, err
	}
	return c, nil
}

// dial (re)opens the connection and publisher channel. Callers must hold no
// lock; dial takes it.
func (c *Client) dial() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.dialLocked()
}

func (c *Client) dialLocked() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("error connecting to broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("error opening channel: %w", err)
	}
	c.conn = conn
	c.channel = channel
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Publish sends body to the durable direct exchange with the routing key.
// The publish is retried once on transport error.
func (c *Client) Publish(exchange, key string, body []byte) error {
	err := c.publish(exchange, key, body)
	if err == nil {
		return nil
	}
	logrus.WithError(err).WithFields(logrus.Fields{
		"exchange": exchange,
		"key":      key,
	}).Warning("Publish failed, retrying once.")
	if derr := c.dial(); derr != nil {
		return fmt.Errorf("error publishing to %s/%s: %w", exchange, key, err)
	}
	if err := c.publish(exchange, key, body); err != nil {
		return fmt.Errorf("error publishing to %s/%s: %w", exchange, key, err)
	}
	return nil
}

func (c *Client) publish(exchange, key string, body []byte) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.channel == nil {
		return fmt.Errorf("client is not connected")
	}
	if err := declareExchange(c.channel, exchange); err != nil {
		return err
	}
	return c.channel.Publish(exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// DeclareQueue declares the durable queue and binds it to the exchange with
// the routing key.
func (c *Client) DeclareQueue(queue, exchange, key string) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.channel == nil {
		return fmt.Errorf("client is not connected")
	}
	if err := declareExchange(c.channel, exchange); err != nil {
		return err
	}
	if _, err := c.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("error declaring queue %s: %w", queue, err)
	}
	if err := c.channel.QueueBind(queue, key, exchange, false, nil); err != nil {
		return fmt.Errorf("error binding queue %s to %s/%s: %w", queue, exchange, key, err)
	}
	return nil
}

// UnbindQueue removes a binding created by DeclareQueue.
func (c *Client) UnbindQueue(queue, exchange, key string) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.channel == nil {
		return fmt.Errorf("client is not connected")
	}
	if err := c.channel.QueueUnbind(queue, key, exchange, nil); err != nil {
		return fmt.Errorf("error unbinding queue %s from %s/%s: %w", queue, exchange, key, err)
	}
	return nil
}

// DeleteQueue deletes the queue.
func (c *Client) DeleteQueue(queue string) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.channel == nil {
		return fmt.Errorf("client is not connected")
	}
	if _, err := c.channel.QueueDelete(queue, false, false, false); err != nil {
		return fmt.Errorf("error deleting queue %s: %w", queue, err)
	}
	return nil
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("error declaring exchange %s: %w", exchange, err)
	}
	return nil
}

// Consume runs the delivery loop for the queue until ctx ends. On channel
// or connection error the consumer redials with backoff; unacked messages
// are redelivered by the broker (at-least-once).
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	log := logrus.WithField("queue", queue)
	for {
		if err := c.consumeOnce(ctx, queue, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warning("Consumer lost, redialing.")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(redialBackoff):
		}
		if err := c.dial(); err != nil {
			log.WithError(err).Warning("Redial failed.")
		}
	}
}

func (c *Client) consumeOnce(ctx context.Context, queue string, handler Handler) error {
	c.mut.Lock()
	if c.conn == nil || c.closed {
		c.mut.Unlock()
		return fmt.Errorf("client is not connected")
	}
	// Consumers get a dedicated channel so handler acks never contend with
	// the publisher channel.
	channel, err := c.conn.Channel()
	c.mut.Unlock()
	if err != nil {
		return fmt.Errorf("error opening consumer channel: %w", err)
	}
	defer channel.Close()

	if err := channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("error setting qos: %w", err)
	}
	deliveries, err := channel.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("error consuming queue %s: %w", queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			handler(&delivery{d})
		}
	}
}

// delivery adapts amqp.Delivery to the Message interface.
type delivery struct {
	d amqp.Delivery
}

func (m *delivery) Body() []byte        { return m.d.Body }
func (m *delivery) RoutingKey() string  { return m.d.RoutingKey }
func (m *delivery) Ack() error          { return m.d.Ack(false) }
func (m *delivery) Nack(rq bool) error  { return m.d.Nack(false, rq) }
