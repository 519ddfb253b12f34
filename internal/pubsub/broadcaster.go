// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pubsub provides the in-process publish/subscribe primitive used
// for session listeners and the tenant context event bus.
package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opentrusty/tenantsession/internal/observability/logger"
)

// Broadcaster delivers values of type T to subscribers in subscription order.
// Delivery is synchronous and fire-and-forget: a panicking subscriber is
// logged and skipped, it never blocks the publisher or other subscribers.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	order  []uint64
	subs   map[uint64]func(T)
	name   string
}

// New creates a broadcaster; name is only used for logging
func New[T any](name string) *Broadcaster[T] {
	return &Broadcaster[T]{
		subs: make(map[uint64]func(T)),
		name: name,
	}
}

// Subscribe registers fn and returns an idempotent unsubscribe function.
// Registering the same func value twice creates two subscriptions.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers v to every current subscriber
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, v)
	}
}

func (b *Broadcaster[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(context.Background(), "subscriber panicked",
				logger.Component(b.name),
				slog.Any("panic", r),
			)
		}
	}()
	fn(v)
}

// Len returns the number of active subscriptions
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
