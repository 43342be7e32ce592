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

// Segment describes a sealed, immutable run of serialized row
// batches on disk. A Segment is created by the operator that owns it
// (via Store.OpenWriter/Writer.Seal) and is read back by Store.OpenReader
// zero or more times before being removed with Store.Unlink.
type Segment struct {
	ID       string
	Path     string
	Codec    Name
	RowCount int64
	Bytes    int64
}
