// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NodeUUID derives the uuid for a node of this label from its property bag.
//
// Deterministic strategies hash the declared fields in order, so the same
// symbol at the same location always maps to the same uuid across
// re-ingestions. Random strategies mint a fresh v4 uuid; callers that need
// identity continuity across re-parses reuse uuids through the metadata
// preserver's symbol-key index instead.
func (d NodeTypeDefinition) NodeUUID(props map[string]any) string {
	if d.UUIDStrategy.Kind != UUIDDeterministic || len(d.UUIDStrategy.Fields) == 0 {
		return uuid.NewString()
	}

	parts := make([]string, 0, len(d.UUIDStrategy.Fields)+1)
	parts = append(parts, d.Label)
	for _, f := range d.UUIDStrategy.Fields {
		v := props[f]
		s := fmt.Sprintf("%v", v)
		// Path-bearing fields are normalized so IDs agree across platforms
		// and leading-./ spellings.
		if f == d.FileFieldName || f == "path" || f == "file" {
			s = NormalizePath(s)
		}
		parts = append(parts, s)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	// RFC 4122 layout over the hash prefix: stable, collision-resistant,
	// and indistinguishable from a random uuid to the store.
	u, err := uuid.FromBytes(sum[:16])
	if err != nil {
		return uuid.NewString()
	}
	u[6] = (u[6] & 0x0f) | 0x50 // version 5-style marker for hashed IDs
	u[8] = (u[8] & 0x3f) | 0x80
	return u.String()
}

// NormalizePath normalizes a file path for consistent uuid generation.
// Ensures cross-platform consistency by:
//   - Removing leading ./
//   - Normalizing path separators to forward slashes
//   - Cleaning the path (removing redundant separators, etc.)
//   - Removing a leading slash so absolute and relative spellings agree
func NormalizePath(path string) string {
	if len(path) >= 2 && path[0:2] == "./" {
		path = path[2:]
	}
	path = filepath.Clean(path)
	path = filepath.ToSlash(path)
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return path
}
