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

package engine

// pool is a fixed-size goroutine pool bounding how many blocks run at
// once; it is released by closing it once every submitted task has
// been accounted for.
type pool chan func()

func mkpool(parallel int) pool {
	if parallel <= 0 {
		panic("mkpool: size out of range")
	}
	ch := make(pool, parallel)
	for i := 0; i < parallel; i++ {
		go func() {
			for f := range ch {
				f()
			}
		}()
	}
	return ch
}

func (p pool) do(f func()) { p <- f }

func (p pool) close() { close(p) }
