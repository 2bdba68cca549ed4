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

// Package mq implements the MASH message transport: typed publish/consume
// over an AMQP broker with one durable direct exchange per service, short
// verb routing keys, and manual acks. A message is acked only after the job
// state change it caused has been durably recorded.
package mq

import "context"

// Routing keys shared across services.
const (
	KeyJobDocument         = "job_document"
	KeyAddAccount          = "add_account"
	KeyDeleteAccount       = "delete_account"
	KeyCredentialsResponse = "credentials_response"
	KeyCredentialsRequest  = "credentials_request"
	KeyInvalidConfig       = "invalid_config"
	KeyLogger              = "mash.logger"
)

// Exchange names that are not stage services.
const (
	ExchangeCreator     = "jobcreator"
	ExchangeCredentials = "credentials"
	ExchangeLogger      = "logger"
)

// ServiceQueue returns the name of a service's main inbox queue.
func ServiceQueue(service string) string {
	return service + ".service"
}

// ListenerQueue returns the name of the per-job inbox queue carrying status
// from the preceding stage.
func ListenerQueue(service, jobID string) string {
	return service + ".listener_" + jobID
}

// ListenerKey returns the routing key listener messages for a job use.
func ListenerKey(jobID string) string {
	return "listener_" + jobID
}

// CredentialsQueue returns the name of the short-lived reply queue for a
// job's credentials requests.
func CredentialsQueue(jobID string) string {
	return "credentials." + jobID
}

// Message is a single delivery from the broker.
type Message interface {
	// Body returns the message payload.
	Body() []byte
	// RoutingKey returns the key the message was published with.
	RoutingKey() string
	// Ack acknowledges the message. Call only after the state change the
	// message caused has been durably recorded.
	Ack() error
	// Nack rejects the message, optionally requeueing it.
	Nack(requeue bool) error
}

// Handler processes one delivery.
type Handler func(Message)

// Broker is the transport surface the services program against. *Client
// implements it against AMQP; FakeBroker implements it in memory for tests.
type Broker interface {
	// Publish sends body to the durable direct exchange with the routing
	// key, declaring the exchange idempotently. Transport errors are
	// retried once before they surface.
	Publish(exchange, key string, body []byte) error
	// DeclareQueue declares the durable queue and binds it to the exchange
	// with the routing key.
	DeclareQueue(queue, exchange, key string) error
	// UnbindQueue removes a binding created by DeclareQueue.
	UnbindQueue(queue, exchange, key string) error
	// DeleteQueue deletes the queue.
	DeleteQueue(queue string) error
	// Consume runs the delivery loop for the queue until ctx ends, handing
	// each delivery to the handler. Connection loss redials and resumes
	// from the unacked tail.
	Consume(ctx context.Context, queue string, handler Handler) error
	// Close tears the connection down.
	Close() error
}
