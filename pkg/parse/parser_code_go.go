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

package parse

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/ragforge/ingest/pkg/registry"
)

// walkGoScopes recursively walks the Go AST collecting function, method,
// and closure declarations.
func (p *CodeParser) walkGoScopes(node *sitter.Node, st *codeFileState) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "function_declaration":
		p.emitGoFunction(node, st)
	case "method_declaration":
		p.emitGoMethod(node, st)
	case "func_literal":
		p.emitGoFuncLiteral(node, st)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		p.walkGoScopes(node.Child(i), st)
	}
}

// emitGoFunction handles: func foo(), func foo[T any](), func init().
func (p *CodeParser) emitGoFunction(node *sitter.Node, st *codeFileState) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := string(st.content[nameNode.StartByte():nameNode.EndByte()])

	sig := goSignature(node, st.content, "func "+name, "")
	n := p.emitScope(st, node, name, "function", sig, docCommentBefore(node, st.content))
	st.nameToUUID[name] = n.UUID
}

// emitGoMethod handles: func (r *Receiver) Method(), including generics.
func (p *CodeParser) emitGoMethod(node *sitter.Node, st *codeFileState) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	methodName := string(st.content[nameNode.StartByte():nameNode.EndByte()])

	var receiver, receiverType string
	if recvNode := node.ChildByFieldName("receiver"); recvNode != nil {
		receiver = string(st.content[recvNode.StartByte():recvNode.EndByte()])
		receiverType = goReceiverType(recvNode, st.content)
	}

	fullName := methodName
	if receiverType != "" {
		fullName = receiverType + "." + methodName
	}

	sig := goSignature(node, st.content, "func "+receiver+" "+methodName, "")
	n := p.emitScope(st, node, fullName, "method", sig, docCommentBefore(node, st.content))
	if receiverType != "" {
		n.Props["receiver"] = receiverType
	}
	// Methods are reachable by simple name for same-file call resolution:
	// for "(s *Server) Start()" store "Start" -> uuid.
	st.nameToUUID[methodName] = n.UUID
}

// emitGoFuncLiteral handles anonymous functions; they use position-based
// names and never enter the name index.
func (p *CodeParser) emitGoFuncLiteral(node *sitter.Node, st *codeFileState) {
	st.anonCounter++
	name := fmt.Sprintf("$anon_%d", st.anonCounter)
	sig := goSignature(node, st.content, "func", "")
	p.emitScope(st, node, name, "anonymous", sig, "")
}

// goSignature assembles "prefix[typeParams](params) result" from a
// declaration's field nodes.
func goSignature(node *sitter.Node, content []byte, prefix, suffix string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	if tp := node.ChildByFieldName("type_parameters"); tp != nil {
		sb.WriteString(string(content[tp.StartByte():tp.EndByte()]))
	}
	if params := node.ChildByFieldName("parameters"); params != nil {
		sb.WriteString(string(content[params.StartByte():params.EndByte()]))
	}
	if result := node.ChildByFieldName("result"); result != nil {
		sb.WriteString(" ")
		sb.WriteString(string(content[result.StartByte():result.EndByte()]))
	}
	sb.WriteString(suffix)
	return sb.String()
}

// goReceiverType extracts the type name from a receiver parameter:
// "(s *Server)" -> "Server", "(s Server[T])" -> "Server".
func goReceiverType(recvNode *sitter.Node, content []byte) string {
	for i := 0; i < int(recvNode.ChildCount()); i++ {
		child := recvNode.Child(i)
		if child.Type() == "parameter_declaration" {
			if t := child.ChildByFieldName("type"); t != nil {
				return goBaseTypeName(t, content)
			}
		}
	}
	return ""
}

// goBaseTypeName unwraps pointers and generics: *Server[T] -> Server.
func goBaseTypeName(typeNode *sitter.Node, content []byte) string {
	switch typeNode.Type() {
	case "pointer_type":
		for i := 0; i < int(typeNode.ChildCount()); i++ {
			if c := typeNode.Child(i); c.Type() != "*" {
				return goBaseTypeName(c, content)
			}
		}
	case "generic_type":
		if t := typeNode.ChildByFieldName("type"); t != nil {
			return string(content[t.StartByte():t.EndByte()])
		}
	case "type_identifier":
		return string(content[typeNode.StartByte():typeNode.EndByte()])
	}

	name := strings.TrimPrefix(string(content[typeNode.StartByte():typeNode.EndByte()]), "*")
	if idx := strings.Index(name, "["); idx > 0 {
		name = name[:idx]
	}
	return name
}

// emitGoTypes walks the AST for type declarations (structs, interfaces,
// aliases) and emits them as CodeScope nodes of the matching kind.
func (p *CodeParser) emitGoTypes(node *sitter.Node, st *codeFileState) {
	if node == nil {
		return
	}

	if node.Type() == "type_declaration" {
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			switch child.Type() {
			case "type_spec":
				p.emitGoTypeSpec(child, node, st)
			case "type_spec_list":
				for j := 0; j < int(child.ChildCount()); j++ {
					if spec := child.Child(j); spec.Type() == "type_spec" {
						p.emitGoTypeSpec(spec, node, st)
					}
				}
			}
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		p.emitGoTypes(node.Child(i), st)
	}
}

func (p *CodeParser) emitGoTypeSpec(spec, decl *sitter.Node, st *codeFileState) {
	nameNode := spec.ChildByFieldName("name")
	if nameNode == nil {
		for i := 0; i < int(spec.ChildCount()); i++ {
			if c := spec.Child(i); c.Type() == "type_identifier" {
				nameNode = c
				break
			}
		}
	}
	if nameNode == nil {
		return
	}
	name := string(st.content[nameNode.StartByte():nameNode.EndByte()])

	kind := goTypeKind(spec.ChildByFieldName("type"))
	if kind == "" {
		return
	}

	n := p.emitScope(st, spec, name, kind, "", docCommentBefore(decl, st.content))
	st.nameToUUID[name] = n.UUID
}

func goTypeKind(typeNode *sitter.Node) string {
	if typeNode == nil {
		return ""
	}
	switch typeNode.Type() {
	case "struct_type":
		return "struct"
	case "interface_type":
		return "interface"
	case "type_identifier", "pointer_type", "array_type", "slice_type",
		"map_type", "channel_type", "function_type", "generic_type":
		return "type_alias"
	default:
		return ""
	}
}

// emitGoImports turns import declarations into ExternalLibrary nodes with a
// USES_LIBRARY edge from the owning file.
func (p *CodeParser) emitGoImports(out *Output, root *sitter.Node, st *codeFileState, fileUUID string) {
	def, _ := p.reg.Get("ExternalLibrary")
	seen := make(map[string]bool)

	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "import_declaration" {
			continue
		}
		for _, spec := range goImportSpecs(child) {
			path, alias := goImportPathAlias(spec, st.content)
			if path == "" || alias == "_" || seen[path] {
				continue
			}
			seen[path] = true

			props := map[string]any{"name": path}
			if alias != "" && alias != "." {
				props["alias"] = alias
			}
			lib := Node{
				UUID:  def.NodeUUID(props),
				Label: "ExternalLibrary",
				Props: props,
			}
			out.Nodes = append(out.Nodes, lib)
			out.Relationships = append(out.Relationships, Relationship{
				SourceUUID: fileUUID,
				Type:       registry.RelUsesLibrary,
				TargetUUID: lib.UUID,
			})
		}
	}
}

func goImportSpecs(decl *sitter.Node) []*sitter.Node {
	var specs []*sitter.Node
	for i := 0; i < int(decl.ChildCount()); i++ {
		child := decl.Child(i)
		switch child.Type() {
		case "import_spec":
			specs = append(specs, child)
		case "import_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				if c := child.Child(j); c.Type() == "import_spec" {
					specs = append(specs, c)
				}
			}
		}
	}
	return specs
}

func goImportPathAlias(spec *sitter.Node, content []byte) (path, alias string) {
	pathNode := spec.ChildByFieldName("path")
	if pathNode == nil {
		for i := 0; i < int(spec.ChildCount()); i++ {
			if c := spec.Child(i); c.Type() == "interpreted_string_literal" {
				pathNode = c
				break
			}
		}
	}
	if pathNode == nil {
		return "", ""
	}
	path = strings.Trim(string(content[pathNode.StartByte():pathNode.EndByte()]), `"`)

	if nameNode := spec.ChildByFieldName("name"); nameNode != nil {
		alias = string(content[nameNode.StartByte():nameNode.EndByte()])
		return path, alias
	}
	for i := 0; i < int(spec.ChildCount()); i++ {
		switch c := spec.Child(i); c.Type() {
		case "dot", ".":
			return path, "."
		case "blank_identifier":
			return path, "_"
		case "package_identifier":
			return path, string(content[c.StartByte():c.EndByte()])
		}
	}
	return path, ""
}
