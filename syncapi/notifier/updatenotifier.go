// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sync"

	"github.com/element-hq/syncstream/syncapi/types"
)

// generation is one arming of an UpdateNotifier. token is written before
// done is closed and never again, so readers that saw done closed may read
// it without the lock.
type generation struct {
	done  chan struct{}
	token types.StreamingToken
}

func newGeneration() *generation {
	return &generation{done: make(chan struct{})}
}

// UpdateNotifier is a single-slot broadcast: every goroutine waiting when
// Notify is called is woken with the same token, and the notifier is re-armed
// in the same step so later waiters wait for the next Notify.
type UpdateNotifier struct {
	mu      sync.Mutex
	current *generation
	waiters int
}

// NewUpdateNotifier returns an armed notifier with no waiters.
func NewUpdateNotifier() *UpdateNotifier {
	return &UpdateNotifier{current: newGeneration()}
}

// releasedGeneration returns a generation that has already been released
// with token, so waiting on it returns immediately.
func releasedGeneration(token types.StreamingToken) *generation {
	g := newGeneration()
	g.token = token
	close(g.done)
	return g
}

// WaitForNextEvent blocks until the next Notify or until ctx is done, in
// which case ctx.Err() is returned.
func (n *UpdateNotifier) WaitForNextEvent(ctx context.Context) (types.StreamingToken, error) {
	return n.waitOn(ctx, n.generation())
}

// generation returns the currently armed generation.
func (n *UpdateNotifier) generation() *generation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// waitOn blocks until g is released. g may already have been replaced by a
// Notify, in which case it is closed and the wait returns straight away.
func (n *UpdateNotifier) waitOn(ctx context.Context, g *generation) (types.StreamingToken, error) {
	n.mu.Lock()
	if n.current == g {
		n.waiters++
	}
	n.mu.Unlock()

	select {
	case <-g.done:
		n.leave(g)
		return g.token, nil
	case <-ctx.Done():
		n.leave(g)
		return types.StreamingToken{}, ctx.Err()
	}
}

// leave undoes the waiter count taken against g. Notify resets the count, so
// only waiters of the still-current generation have anything to undo.
func (n *UpdateNotifier) leave(g *generation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == g && n.waiters > 0 {
		n.waiters--
	}
}

// Notify wakes every current waiter with token and re-arms the notifier.
func (n *UpdateNotifier) Notify(token types.StreamingToken) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g := n.current
	g.token = token
	close(g.done)
	n.current = newGeneration()
	n.waiters = 0
}

// Waiters returns the number of goroutines waiting on the current generation.
func (n *UpdateNotifier) Waiters() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.waiters
}
