// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package queue carries job events from webhook intake to the Delegation
// Dispatcher over AMQP. Adapted from narwhal's agent/message_queue.go
// (ProducerConsumer interface, AmqpQueue struct, QueueOption functional
// options, Produce/Consume). The original has a latent bug where Consume
// dials q.queue instead of q.url — fixed here since it would otherwise
// never connect to anything.
package queue

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"

	"github.com/codepr/runnerhub/apperrors"
)

// ProducerConsumer is the capability interface the webhook intake path
// (producer) and the Dispatcher (consumer) depend on.
type ProducerConsumer interface {
	Produce(body []byte) error
	Consume(ctx context.Context, out chan<- []byte) error
	Close() error
}

// AmqpQueue is the production ProducerConsumer, narwhal's AmqpQueue struct
// generalized with the same field set and functional options.
type AmqpQueue struct {
	url           string
	queue         string
	durable       bool
	deleteUnused  bool
	exclusive     bool
	noWait        bool

	conn *amqp.Connection
	ch   *amqp.Channel
}

// QueueOption configures an AmqpQueue at construction, narwhal's own
// functional-options pattern from agent/message_queue.go.
type QueueOption func(*AmqpQueue)

func WithDurable(d bool) QueueOption      { return func(q *AmqpQueue) { q.durable = d } }
func WithDeleteUnused(d bool) QueueOption { return func(q *AmqpQueue) { q.deleteUnused = d } }
func WithExclusive(e bool) QueueOption    { return func(q *AmqpQueue) { q.exclusive = e } }
func WithNoWait(n bool) QueueOption       { return func(q *AmqpQueue) { q.noWait = n } }

// NewAmqpQueue constructs an AmqpQueue bound to url/queueName with defaults
// matching narwhal's (durable=true, everything else false), applying opts.
func NewAmqpQueue(url, queueName string, opts ...QueueOption) *AmqpQueue {
	q := &AmqpQueue{url: url, queue: queueName, durable: true}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *AmqpQueue) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.Transient, "amqp dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, apperrors.Wrap(apperrors.Transient, "amqp channel", err)
	}
	if _, err := ch.QueueDeclare(q.queue, q.durable, q.deleteUnused, q.exclusive, q.noWait, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, apperrors.Wrap(apperrors.Transient, "amqp queue declare", err)
	}
	return conn, ch, nil
}

// Produce publishes body to the queue, dialing a fresh connection per call
// the way narwhal's Produce does (Dial -> Channel -> QueueDeclare ->
// Publish).
func (q *AmqpQueue) Produce(body []byte) error {
	conn, ch, err := q.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	err = ch.Publish("", q.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.Transient, "amqp publish", err)
	}
	return nil
}

// Consume dials q.url (narwhal's Consume mistakenly dials q.queue; fixed
// here) and forwards deliveries into out until ctx is cancelled.
func (q *AmqpQueue) Consume(ctx context.Context, out chan<- []byte) error {
	conn, ch, err := q.dial()
	if err != nil {
		return err
	}
	q.conn = conn
	q.ch = ch

	deliveries, err := ch.Consume(q.queue, "", true, q.exclusive, false, q.noWait, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.Transient, "amqp consume", err)
	}

	go func() {
		defer conn.Close()
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- d.Body:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (q *AmqpQueue) Close() error {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// EncodeJob is a small convenience used by both producer and consumer sides
// to keep the wire format consistent.
func EncodeJob(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeJob(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}

var _ ProducerConsumer = (*AmqpQueue)(nil)
