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

package queue

import "context"

// FakeQueue is an in-memory ProducerConsumer for tests.
type FakeQueue struct {
	ch chan []byte
}

func NewFakeQueue(buffer int) *FakeQueue {
	return &FakeQueue{ch: make(chan []byte, buffer)}
}

func (f *FakeQueue) Produce(body []byte) error {
	f.ch <- body
	return nil
}

func (f *FakeQueue) Consume(ctx context.Context, out chan<- []byte) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-f.ch:
				if !ok {
					return
				}
				out <- b
			}
		}
	}()
	return nil
}

func (f *FakeQueue) Close() error {
	close(f.ch)
	return nil
}

var _ ProducerConsumer = (*FakeQueue)(nil)
