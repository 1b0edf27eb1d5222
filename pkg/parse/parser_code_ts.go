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

package parse

import (
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// walkTSScopes walks a TypeScript AST collecting functions, methods,
// classes, interfaces, and type aliases as CodeScope nodes.
func (p *CodeParser) walkTSScopes(node *sitter.Node, st *codeFileState) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "function_declaration", "function_signature":
		p.emitTSNamed(node, st, "function")

	case "method_definition", "method_signature":
		p.emitTSNamed(node, st, "method")

	case "variable_declarator":
		nameNode := node.ChildByFieldName("name")
		valueNode := node.ChildByFieldName("value")
		if nameNode != nil && valueNode != nil {
			switch valueNode.Type() {
			case "arrow_function", "function_expression", "function":
				name := string(st.content[nameNode.StartByte():nameNode.EndByte()])
				n := p.emitScope(st, valueNode, name, "function", tsHeadline(valueNode, st.content), "")
				st.nameToUUID[name] = n.UUID
			}
		}

	case "arrow_function":
		// Only truly anonymous arrows; named ones are handled through
		// their variable_declarator above.
		if parent := node.Parent(); parent == nil || parent.Type() != "variable_declarator" {
			st.anonCounter++
			name := fmt.Sprintf("$anon_%d", st.anonCounter)
			p.emitScope(st, node, name, "anonymous", tsHeadline(node, st.content), "")
		}

	case "class_declaration":
		p.emitTSNamed(node, st, "class")

	case "interface_declaration":
		p.emitTSNamed(node, st, "interface")

	case "type_alias_declaration":
		p.emitTSNamed(node, st, "type_alias")
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		p.walkTSScopes(node.Child(i), st)
	}
}

// emitTSNamed emits a scope for any declaration carrying a name field.
func (p *CodeParser) emitTSNamed(node *sitter.Node, st *codeFileState, kind string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := string(st.content[nameNode.StartByte():nameNode.EndByte()])

	n := p.emitScope(st, node, name, kind, tsHeadline(node, st.content), docCommentBefore(node, st.content))
	st.nameToUUID[name] = n.UUID
}

// tsHeadline returns the first line of the declaration as its signature.
func tsHeadline(node *sitter.Node, content []byte) string {
	text := content[node.StartByte():node.EndByte()]
	for i, b := range text {
		if b == '\n' || b == '{' {
			return string(text[:i])
		}
	}
	return string(text)
}
