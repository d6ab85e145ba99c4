/*
Copyright 2024 Outpost Technologies, Inc.

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

package relays

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer coalesces bursts of relay presence churn. The owning channel
// calls Note on every raw presence diff and selects on C; when the timer
// fires it calls Fired and recomputes its relay selection once for the whole
// burst. A Note during an open window does not extend the window, so a
// relay flapping forever still produces periodic updates.
type Debouncer struct {
	clock  clockwork.Clock
	window time.Duration

	timer   clockwork.Timer
	pending bool
}

// NewDebouncer creates a debouncer with the given coalescing window.
func NewDebouncer(clock clockwork.Clock, window time.Duration) *Debouncer {
	return &Debouncer{clock: clock, window: window}
}

// Note records that a presence diff arrived, opening the window if none is
// open.
func (d *Debouncer) Note() {
	if d.pending {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = d.clock.NewTimer(d.window)
		return
	}
	d.timer.Reset(d.window)
}

// C is the window-expiry channel; nil while no window is open, which makes
// it safe to select on unconditionally.
func (d *Debouncer) C() <-chan time.Time {
	if !d.pending || d.timer == nil {
		return nil
	}
	return d.timer.Chan()
}

// Fired acknowledges the expiry received from C.
func (d *Debouncer) Fired() {
	d.pending = false
}

// Stop releases the underlying timer.
func (d *Debouncer) Stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = false
}
