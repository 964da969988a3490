// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package supervisor

import "time"

// Completion is the handle returned by Verify/Restart/Shutdown; it is
// signalled once the whole batch has been applied, even if individual
// instances errored (spec §4.5).
type Completion struct {
	done chan struct{}
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) signal() {
	close(c.done)
}

// Wait blocks until the batch completes or timeout elapses, returning
// false on timeout. timeout <= 0 waits forever.
func (c *Completion) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-c.done
		return true
	}
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done exposes the raw channel for callers that want to select on it
// alongside other events.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}
