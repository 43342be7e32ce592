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

package spill

import (
	"errors"

	"github.com/emsqrt/emsqrt/emerr"
)

var (
	errShortHeader     = errors.New("spill: truncated header/trailer")
	errBadMagic        = errors.New("spill: bad magic number")
	errBadVersion      = errors.New("spill: unsupported segment format version")
	errBadChecksumAlgo = errors.New("spill: unsupported checksum algorithm")
	errChecksumMismatch = errors.New("spill: checksum mismatch")
)

func wrapSpillErr(cause error, msg string, args ...any) *emerr.Error {
	return emerr.Wrap(emerr.Spill, cause, msg, args...)
}
