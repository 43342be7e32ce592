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

package budget

import (
	"math/rand"
	"sync"
	"testing"
)

func TestTryAcquireRefusesOverCap(t *testing.T) {
	b := New(100)
	r1, ok := b.TryAcquire(60, "a")
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := b.TryAcquire(60, "b"); ok {
		t.Fatal("expected second acquire to be refused")
	}
	if b.Used() != 60 {
		t.Fatalf("used = %d, want 60", b.Used())
	}
	r1.Release()
	if b.Used() != 0 {
		t.Fatalf("used = %d, want 0 after release", b.Used())
	}
	r2, ok := b.TryAcquire(60, "c")
	if !ok {
		t.Fatal("expected acquire to succeed after release")
	}
	r2.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	b := New(100)
	r, _ := b.TryAcquire(10, "x")
	r.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	r.Release()
}

func TestPeakTracksHighWaterMark(t *testing.T) {
	b := New(1000)
	r1, _ := b.TryAcquire(500, "a")
	r2, _ := b.TryAcquire(300, "b")
	if b.Peak() != 800 {
		t.Fatalf("peak = %d, want 800", b.Peak())
	}
	r1.Release()
	if b.Peak() != 800 {
		t.Fatalf("peak = %d, want unchanged 800 after release", b.Peak())
	}
	r2.Release()
}

// TestConcurrentNeverExceedsCap exercises many goroutines contending
// for a small budget and asserts the observed invariant from the
// spec's testable properties: used_bytes <= cap_bytes at every
// sampled instant, and used_bytes == 0 once every goroutine returns.
func TestConcurrentNeverExceedsCap(t *testing.T) {
	const cap = 4096
	b := New(cap)
	var workers sync.WaitGroup
	var sampler sync.WaitGroup
	stop := make(chan struct{})
	var sampleErr error
	var mu sync.Mutex

	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if u := b.Used(); u > cap {
				mu.Lock()
				sampleErr = errTooMuchUsed(u)
				mu.Unlock()
			}
		}
	}()

	for i := 0; i < 16; i++ {
		workers.Add(1)
		go func(i int) {
			defer workers.Done()
			rnd := rand.New(rand.NewSource(int64(i)))
			for j := 0; j < 500; j++ {
				n := int64(rnd.Intn(512))
				r, ok := b.TryAcquire(n, "worker")
				if ok {
					r.Release()
				}
			}
		}(i)
	}

	workers.Wait()
	close(stop)
	sampler.Wait()

	mu.Lock()
	defer mu.Unlock()
	if sampleErr != nil {
		t.Fatal(sampleErr)
	}
	if b.Used() != 0 {
		t.Fatalf("used = %d, want 0 after all workers finished", b.Used())
	}
}

type usageError int64

func (e usageError) Error() string { return "used exceeded cap" }

func errTooMuchUsed(u int64) error { return usageError(u) }
