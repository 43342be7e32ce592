// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package budget implements the process-wide memory accountant: a
// single object that issues scoped byte reservations and refuses to
// hand out more than its configured cap.
package budget

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emsqrt/emsqrt/internal/atomicext"
)

// Budget is a process-wide allocation accountant. The zero value is
// not usable; construct one with New.
type Budget struct {
	cap  int64
	used int64
	peak int64

	mu          sync.Mutex
	outstanding map[*Reservation]struct{}
}

// New returns a Budget with the given cap in bytes. capBytes must be
// positive.
func New(capBytes int64) *Budget {
	if capBytes <= 0 {
		panic("budget: cap_bytes must be positive")
	}
	return &Budget{
		cap:         capBytes,
		outstanding: make(map[*Reservation]struct{}),
	}
}

// Cap returns the configured cap in bytes.
func (b *Budget) Cap() int64 { return b.cap }

// Used returns the number of bytes currently reserved.
func (b *Budget) Used() int64 { return atomic.LoadInt64(&b.used) }

// Peak returns the highest value Used has ever reported.
func (b *Budget) Peak() int64 { return atomic.LoadInt64(&b.peak) }

// TryAcquire attempts to reserve n bytes tagged with label (typically
// "<operator>@<block-id>", used only for diagnostics). It never
// blocks: if the reservation would push Used() above Cap(), it
// returns (nil, false) immediately.
func (b *Budget) TryAcquire(n int64, tag string) (*Reservation, bool) {
	if n < 0 {
		panic("budget: negative reservation size")
	}
	for {
		before := atomic.LoadInt64(&b.used)
		after := before + n
		if after > b.cap {
			return nil, false
		}
		if atomic.CompareAndSwapInt64(&b.used, before, after) {
			atomicext.MaxInt64(&b.peak, after)
			r := &Reservation{owner: b, bytes: n, tag: tag}
			b.mu.Lock()
			b.outstanding[r] = struct{}{}
			b.mu.Unlock()
			return r, true
		}
	}
}

// release returns n bytes to the budget. It is only ever called
// exactly once per Reservation, by Reservation.Release.
func (b *Budget) release(r *Reservation) {
	after := atomic.AddInt64(&b.used, -r.bytes)
	if after < 0 {
		panic(fmt.Sprintf("budget: over-release of reservation %q by %d bytes", r.tag, r.bytes))
	}
	b.mu.Lock()
	delete(b.outstanding, r)
	b.mu.Unlock()
}

// Outstanding returns the tags of every reservation that has not yet
// been released. A non-empty result after an engine run completes
// indicates a leaked reservation (an Internal-kind defect).
func (b *Budget) Outstanding() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tags := make([]string, 0, len(b.outstanding))
	for r := range b.outstanding {
		tags = append(tags, r.tag)
	}
	return tags
}

// Reservation is a scoped claim on N bytes of the budget. Its
// lifetime is owned by whichever caller received it from TryAcquire;
// releasing it (exactly once, on every exit path including error)
// returns the bytes to the budget.
type Reservation struct {
	owner    *Budget
	bytes    int64
	tag      string
	released int32
}

// Bytes returns the size of the reservation.
func (r *Reservation) Bytes() int64 { return r.bytes }

// Tag returns the diagnostic label the reservation was acquired with.
func (r *Reservation) Tag() string { return r.tag }

// Release returns the reservation's bytes to the owning budget.
// Calling Release more than once on the same Reservation is a defect
// and panics (an Internal-kind error in the taxonomy of emerr) rather
// than silently double-crediting the budget.
func (r *Reservation) Release() {
	if !atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		panic(fmt.Sprintf("budget: double-release of reservation %q", r.tag))
	}
	r.owner.release(r)
}
