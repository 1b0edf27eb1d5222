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

// Package testing provides test helpers for integration tests against a
// real embedded graph store.
//
// # Quick Start
//
// Use SetupTestBackend to create an in-memory backend with the built-in
// node-label relations created:
//
//	func TestMyFeature(t *testing.T) {
//	    backend, graph, reg := testing.SetupTestBackend(t)
//	    _ = backend
//
//	    testing.InsertTestScope(t, graph, reg, "test.go", "TestFunc", 10, 20)
//
//	    require.Equal(t, 1, testing.CountNodes(t, graph, "CodeScope"))
//	}
//
// # Seeding Test Data
//
//   - InsertTestScope: merge one CodeScope with its owning File node
//   - CountNodes: count nodes of one label
//
// Most unit tests in pkg/ingest use an in-memory GraphStore fake instead;
// this package is for tests that exercise the CozoDB-backed path (CGO
// required).
package testing
