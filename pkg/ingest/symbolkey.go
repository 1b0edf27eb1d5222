// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package ingest

import "fmt"

// symbolKey is a derived in-memory identity used only to correlate pre-
// and post-merge node identities inside the metadata preserver. It is
// never stored or serialized.
type symbolKey string

// namedSymbolKey identifies a named symbol within a file.
func namedSymbolKey(file, name string) symbolKey {
	return symbolKey(file + ":" + name)
}

// anonymousSymbolKey identifies an unnamed symbol by its start line.
func anonymousSymbolKey(file string, startLine int) symbolKey {
	return symbolKey(fmt.Sprintf("%s:_:%d", file, startLine))
}

// fallbackSymbolKey is the last resort when neither a name nor a start
// line is available.
func fallbackSymbolKey(file, uuid string) symbolKey {
	return symbolKey(file + ":" + uuid)
}

// symbolKeyFor derives the key for a node from its properties: named, then
// anonymous-by-line, then uuid fallback.
func symbolKeyFor(file string, props map[string]any, uuid string) symbolKey {
	if name, ok := props["name"].(string); ok && name != "" {
		return namedSymbolKey(file, name)
	}
	if heading, ok := props["heading"].(string); ok && heading != "" {
		return namedSymbolKey(file, heading)
	}
	if line, ok := intProp(props, "startLine"); ok {
		return anonymousSymbolKey(file, line)
	}
	return fallbackSymbolKey(file, uuid)
}

// intProp reads an int-valued property regardless of the numeric type the
// store round-tripped it through.
func intProp(props map[string]any, key string) (int, bool) {
	switch v := props[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
