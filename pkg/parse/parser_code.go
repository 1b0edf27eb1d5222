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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/ragforge/ingest/pkg/registry"
)

// CodeParser extracts code scopes (functions, methods, types) and their
// relationships from source files using Tree-sitter. Go is the primary
// language; TypeScript is handled in parser_code_ts.go. Files in languages
// without a grammar fall back to the simplified line-scan parser.
type CodeParser struct {
	reg    *registry.Registry
	logger *slog.Logger
	simple *simpleCodeParser

	goLang *sitter.Language
	tsLang *sitter.Language

	// maxContent caps the raw scope text carried on a node; embedding
	// models tokenize code poorly so oversized bodies are cut off.
	maxContent int
}

// NewCodeParser creates the code parser with both grammars loaded.
func NewCodeParser(reg *registry.Registry, logger *slog.Logger) *CodeParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeParser{
		reg:        reg,
		logger:     logger,
		simple:     newSimpleCodeParser(reg),
		goLang:     golang.GetLanguage(),
		tsLang:     typescript.GetLanguage(),
		maxContent: 8192,
	}
}

// scopeEntry pairs an emitted scope node with its AST node for the call
// extraction pass.
type scopeEntry struct {
	node Node
	ast  *sitter.Node
}

// codeFileState accumulates per-file extraction state during the AST walk.
type codeFileState struct {
	content  []byte
	filePath string

	scopes      []scopeEntry
	nameToUUID  map[string]string // simple name -> scope uuid, same file
	anonCounter int
}

// Parse implements Parser.
func (p *CodeParser) Parse(ctx context.Context, in Input) (*Output, error) {
	ext := strings.ToLower(filepath.Ext(in.Path))
	switch ext {
	case ".go":
		return p.parseWithGrammar(ctx, in, p.goLang, "go")
	case ".ts", ".tsx":
		return p.parseWithGrammar(ctx, in, p.tsLang, "typescript")
	default:
		return p.simple.Parse(ctx, in)
	}
}

func (p *CodeParser) parseWithGrammar(ctx context.Context, in Input, lang *sitter.Language, language string) (*Output, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, in.Content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		// Tree-sitter is error-tolerant; keep going with what parsed.
		p.logger.Warn("parse.code.syntax_errors", "path", in.Path, "language", language)
	}

	out := &Output{}
	fileUUID := p.emitFileNode(out, in, language)

	st := &codeFileState{
		content:    in.Content,
		filePath:   in.Path,
		nameToUUID: make(map[string]string),
	}

	switch language {
	case "go":
		p.walkGoScopes(root, st)
		p.emitGoTypes(root, st)
		p.emitGoImports(out, root, st, fileUUID)
	case "typescript":
		p.walkTSScopes(root, st)
	}

	for _, sc := range st.scopes {
		out.Nodes = append(out.Nodes, sc.node)
		out.Relationships = append(out.Relationships, Relationship{
			SourceUUID: sc.node.UUID,
			Type:       registry.RelDefinedIn,
			TargetUUID: fileUUID,
		})
	}

	// Second pass: call edges. Same-file callees resolve immediately; the
	// rest are buffered for the cross-file linker.
	for _, sc := range st.scopes {
		if sc.ast == nil {
			continue
		}
		p.extractCalls(out, sc, st)
	}

	p.linkMethodReceivers(out, st)

	return out, nil
}

// emitFileNode appends the owning File node and returns its uuid.
func (p *CodeParser) emitFileNode(out *Output, in Input, language string) string {
	def, _ := p.reg.Get("File")
	props := map[string]any{
		"path":     registry.NormalizePath(in.Path),
		"language": language,
		"size":     len(in.Content),
	}
	n := Node{
		UUID:  def.NodeUUID(props),
		Label: "File",
		Props: props,
	}
	out.Nodes = append(out.Nodes, n)
	return n.UUID
}

// emitScope materializes one CodeScope node from a parsed declaration.
func (p *CodeParser) emitScope(st *codeFileState, ast *sitter.Node, name, kind, signature, doc string) *Node {
	startLine := int(ast.StartPoint().Row) + 1
	endLine := int(ast.EndPoint().Row) + 1
	startCol := int(ast.StartPoint().Column) + 1
	endCol := int(ast.EndPoint().Column) + 1

	code := string(st.content[ast.StartByte():ast.EndByte()])
	if len(code) > p.maxContent {
		code = code[:p.maxContent]
	}

	props := map[string]any{
		"name":      name,
		"file":      registry.NormalizePath(st.filePath),
		"startLine": startLine,
		"endLine":   endLine,
		"startCol":  startCol,
		"endCol":    endCol,
		"kind":      kind,
	}
	if signature != "" {
		props["signature"] = signature
	}
	if doc != "" {
		props["docComment"] = doc
	}

	def, _ := p.reg.Get("CodeScope")
	n := Node{
		UUID:    def.NodeUUID(props),
		Label:   "CodeScope",
		Props:   props,
		Content: code,
	}
	st.scopes = append(st.scopes, scopeEntry{node: n, ast: ast})
	return &st.scopes[len(st.scopes)-1].node
}

// docCommentBefore returns the text of a comment node immediately preceding
// the declaration, if any.
func docCommentBefore(ast *sitter.Node, content []byte) string {
	prev := ast.PrevNamedSibling()
	if prev == nil || prev.Type() != "comment" {
		return ""
	}
	// Only treat it as doc when it sits directly above the declaration.
	if int(ast.StartPoint().Row)-int(prev.EndPoint().Row) > 1 {
		return ""
	}
	return string(content[prev.StartByte():prev.EndByte()])
}

// extractCalls walks a scope body for call expressions. Callees found in
// the same file become CONSUMES relationships; the rest are buffered as
// unresolved references.
func (p *CodeParser) extractCalls(out *Output, sc scopeEntry, st *codeFileState) {
	body := sc.ast.ChildByFieldName("body")
	if body == nil {
		for i := 0; i < int(sc.ast.ChildCount()); i++ {
			if c := sc.ast.Child(i); c.Type() == "block" || c.Type() == "statement_block" {
				body = c
				break
			}
		}
	}
	if body == nil {
		return
	}

	seenLocal := make(map[string]bool)
	seenUnresolved := make(map[string]bool)
	p.walkCallExpressions(out, body, sc, st, seenLocal, seenUnresolved)
}

func (p *CodeParser) walkCallExpressions(out *Output, node *sitter.Node, sc scopeEntry, st *codeFileState, seenLocal, seenUnresolved map[string]bool) {
	if node == nil {
		return
	}

	if node.Type() == "call_expression" {
		if fn := node.ChildByFieldName("function"); fn != nil {
			simple := calleeSimpleName(fn, st.content)
			full := calleeFullName(fn, st.content)

			if simple != "" {
				if calleeUUID, ok := st.nameToUUID[simple]; ok {
					if calleeUUID != sc.node.UUID && !seenLocal[calleeUUID] {
						seenLocal[calleeUUID] = true
						out.Relationships = append(out.Relationships, Relationship{
							SourceUUID: sc.node.UUID,
							Type:       registry.RelConsumes,
							TargetUUID: calleeUUID,
						})
					}
				} else if full != "" && !seenUnresolved[full] {
					seenUnresolved[full] = true
					out.Unresolved = append(out.Unresolved, UnresolvedRef{
						SourceUUID:   sc.node.UUID,
						SourceLabel:  "CodeScope",
						RelType:      registry.RelConsumes,
						TargetSymbol: full,
						TargetLabel:  "CodeScope",
						File:         registry.NormalizePath(st.filePath),
					})
				}
			}
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		p.walkCallExpressions(out, node.Child(i), sc, st, seenLocal, seenUnresolved)
	}
}

// calleeSimpleName extracts the bare function name from a call target:
// foo() -> foo, pkg.Foo() -> Foo, foo[T]() -> foo.
func calleeSimpleName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier":
		return string(content[node.StartByte():node.EndByte()])
	case "selector_expression", "member_expression":
		if f := node.ChildByFieldName("field"); f != nil {
			return string(content[f.StartByte():f.EndByte()])
		}
		if f := node.ChildByFieldName("property"); f != nil {
			return string(content[f.StartByte():f.EndByte()])
		}
	case "index_expression":
		if op := node.ChildByFieldName("operand"); op != nil {
			return calleeSimpleName(op, content)
		}
	}
	return ""
}

// calleeFullName extracts the qualified call target: pkg.Foo() -> "pkg.Foo".
func calleeFullName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier":
		return string(content[node.StartByte():node.EndByte()])
	case "selector_expression", "member_expression":
		return string(content[node.StartByte():node.EndByte()])
	case "index_expression":
		if op := node.ChildByFieldName("operand"); op != nil {
			return calleeFullName(op, content)
		}
	}
	return ""
}

// linkMethodReceivers adds HAS_PARENT edges from methods to their receiver
// type when the type lives in the same file, and buffers a reference
// otherwise.
func (p *CodeParser) linkMethodReceivers(out *Output, st *codeFileState) {
	for _, sc := range st.scopes {
		recv, _ := sc.node.Props["receiver"].(string)
		if recv == "" {
			continue
		}
		if parentUUID, ok := st.nameToUUID[recv]; ok {
			out.Relationships = append(out.Relationships, Relationship{
				SourceUUID: sc.node.UUID,
				Type:       registry.RelHasParent,
				TargetUUID: parentUUID,
			})
			continue
		}
		out.Unresolved = append(out.Unresolved, UnresolvedRef{
			SourceUUID:   sc.node.UUID,
			SourceLabel:  "CodeScope",
			RelType:      registry.RelHasParent,
			TargetSymbol: recv,
			TargetLabel:  "CodeScope",
			File:         registry.NormalizePath(st.filePath),
		})
	}
}
