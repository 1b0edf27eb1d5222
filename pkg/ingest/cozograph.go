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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"log/slog"

	"github.com/ragforge/ingest/internal/contract"
	"github.com/ragforge/ingest/pkg/registry"
	"github.com/ragforge/ingest/pkg/store"
)

// CozoGraph implements GraphStore against the embedded CozoDB backend.
//
// Every label maps to one relation keyed by uuid; the stable-key upsert
// semantics (path for structural labels, name for library-style labels)
// fall out of the deterministic uuid strategies those labels declare. Three
// shared relations exist alongside the per-label ones: rf_node, a
// uuid -> (label, file) directory for cross-label scans, rf_edge for
// relationships keyed by (source, type, target), and rf_change for
// per-node content-hash snapshots keyed by (uuid, at).
type CozoGraph struct {
	backend store.Backend
	reg     *registry.Registry
	batcher *Batcher
	logger  *slog.Logger

	sharedOnce sync.Once
	sharedErr  error
}

// nodeColumns is the reserved column set every label relation carries
// after the uuid key, in query order.
var nodeColumns = []string{
	"props", "content_hash", "state", "state_changed_at",
	"error_type", "error_message", "retry_count", "detected_at",
	"parsed_at", "linked_at", "embedded_at", "embeddings_dirty",
	"embedding_provider", "embedding_model",
	"embedding_name", "embedding_content", "embedding_description",
	"embedding_name_hash", "embedding_content_hash", "embedding_description_hash",
	"file", "name",
}

func NewCozoGraph(backend store.Backend, reg *registry.Registry, logger *slog.Logger) *CozoGraph {
	if logger == nil {
		logger = slog.Default()
	}
	return &CozoGraph{
		backend: backend,
		reg:     reg,
		batcher: NewBatcher(500, 2<<20),
		logger:  logger,
	}
}

// EnsureLabel creates the relation and secondary indexes for a label,
// idempotently. Implements registry.ConstraintCreator.
func (g *CozoGraph) EnsureLabel(ctx context.Context, def registry.NodeTypeDefinition) error {
	if err := g.ensureShared(ctx); err != nil {
		return err
	}

	rel := registry.RelationName(def.Label)
	cols := make([]string, 0, len(nodeColumns))
	for _, c := range nodeColumns {
		switch c {
		case "state_changed_at", "retry_count", "detected_at", "parsed_at", "linked_at", "embedded_at":
			cols = append(cols, c+": Int default 0")
		case "embeddings_dirty":
			cols = append(cols, c+": Bool default false")
		case "embedding_name", "embedding_content", "embedding_description":
			cols = append(cols, c+": Any default null")
		default:
			cols = append(cols, c+": String default ''")
		}
	}
	script := fmt.Sprintf(":create %s { uuid: String => %s }", rel, strings.Join(cols, ", "))
	if err := g.backend.Execute(ctx, script); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create relation %s: %w", rel, err)
	}

	for _, field := range def.SecondaryIndexes {
		// Index names follow <label>_<field> in lowercase.
		idx := fmt.Sprintf("::index create %s:%s_%s { %s, uuid }", rel, rel, strings.ToLower(field), columnFor(field))
		if err := g.backend.Execute(ctx, idx); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("create index %s.%s: %w", rel, field, err)
		}
	}
	return nil
}

// ensureShared creates the node directory and edge relations once.
func (g *CozoGraph) ensureShared(ctx context.Context) error {
	g.sharedOnce.Do(func() {
		scripts := []string{
			":create rf_node { uuid: String => label: String default '', file: String default '' }",
			":create rf_edge { source: String, type: String, target: String => props: String default '' }",
			":create rf_change { uuid: String, at: Int => label: String default '', content_hash: String default '' }",
		}
		for _, s := range scripts {
			if err := g.backend.Execute(ctx, s); err != nil && !isAlreadyExists(err) {
				g.sharedErr = err
				return
			}
		}
	})
	return g.sharedErr
}

// columnFor maps a property name onto its backing column: file and name
// have dedicated columns, everything else lives in props.
func columnFor(field string) string {
	switch field {
	case "file", "path", "url":
		return "file"
	case "name", "heading", "title":
		return "name"
	default:
		return "props"
	}
}

// ApplyMerge applies the whole plan as one script, split only when it
// exceeds the engine's size limit.
func (g *CozoGraph) ApplyMerge(ctx context.Context, plan *MergePlan) error {
	if err := g.ensureShared(ctx); err != nil {
		return err
	}

	// Preserve embedding fields of re-upserted nodes: the merger only
	// computes domain properties, the vectors live here.
	if err := g.coalesceEmbeddings(ctx, plan.Upserts); err != nil {
		return err
	}

	var stmts []string

	byLabel := make(map[string][]*Node)
	for _, n := range plan.Upserts {
		byLabel[n.Label] = append(byLabel[n.Label], n)
	}
	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	for _, label := range labels {
		nodes := byLabel[label]
		rel := registry.RelationName(label)

		rows := make([]string, len(nodes))
		dirRows := make([]string, len(nodes))
		for i, n := range nodes {
			rows[i] = nodeRow(n, g.reg)
			dirRows[i] = fmt.Sprintf("[%s, %s, %s]", lit(n.UUID), lit(label), lit(n.FileField(g.reg)))
		}
		stmts = append(stmts, fmt.Sprintf("?[uuid, %s] <- [%s]\n:put %s { uuid => %s }",
			strings.Join(nodeColumns, ", "), strings.Join(rows, ", "), rel, strings.Join(nodeColumns, ", ")))
		stmts = append(stmts, fmt.Sprintf("?[uuid, label, file] <- [%s]\n:put rf_node { uuid => label, file }",
			strings.Join(dirRows, ", ")))
	}

	delLabels := make([]string, 0, len(plan.Deletes))
	for l := range plan.Deletes {
		delLabels = append(delLabels, l)
	}
	sort.Strings(delLabels)
	for _, label := range delLabels {
		uuids := plan.Deletes[label]
		if len(uuids) == 0 {
			continue
		}
		rel := registry.RelationName(label)
		keys := make([]string, len(uuids))
		for i, u := range uuids {
			keys[i] = "[" + lit(u) + "]"
		}
		stmts = append(stmts, fmt.Sprintf("?[uuid] <- [%s]\n:rm %s { uuid }", strings.Join(keys, ", "), rel))
		stmts = append(stmts, fmt.Sprintf("?[uuid] <- [%s]\n:rm rf_node { uuid }", strings.Join(keys, ", ")))
	}

	if len(plan.Relationships) > 0 {
		rows := make([]string, len(plan.Relationships))
		for i, r := range plan.Relationships {
			rows[i] = fmt.Sprintf("[%s, %s, %s, %s]", lit(r.SourceUUID), lit(r.Type), lit(r.TargetUUID), lit(jsonString(r.Props)))
		}
		stmts = append(stmts, fmt.Sprintf("?[source, type, target, props] <- [%s]\n:put rf_edge { source, type, target => props }",
			strings.Join(rows, ", ")))
	}

	if len(stmts) == 0 {
		return nil
	}

	script := strings.Join(stmts, "\n\n")
	if v := contract.ValidateBatchScript(script); !v.OK {
		return fmt.Errorf("merge script rejected: %s (%d bytes)", v.Message, len(script))
	}
	batches, err := g.batcher.Batch(script)
	if err != nil {
		return fmt.Errorf("batch merge script: %w", err)
	}
	for _, b := range batches {
		if err := g.backend.Execute(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// coalesceEmbeddings copies stored embedding fields onto upserts that do
// not carry their own, so a :put does not wipe them.
func (g *CozoGraph) coalesceEmbeddings(ctx context.Context, upserts []*Node) error {
	byLabel := make(map[string][]string)
	idx := make(map[string]*Node)
	for _, n := range upserts {
		if len(n.Embeddings) == 0 {
			byLabel[n.Label] = append(byLabel[n.Label], n.UUID)
			idx[n.UUID] = n
		}
	}
	for label, uuids := range byLabel {
		existing, err := g.NodesByUUID(ctx, label, uuids)
		if err != nil {
			return err
		}
		for _, old := range existing {
			n := idx[old.UUID]
			if n == nil {
				continue
			}
			n.Embeddings = old.Embeddings
			n.EmbeddingHashes = old.EmbeddingHashes
			n.EmbeddingProvider = old.EmbeddingProvider
			n.EmbeddingModel = old.EmbeddingModel
		}
	}
	return nil
}

// MergeRelationships merges edges whose endpoints both exist.
func (g *CozoGraph) MergeRelationships(ctx context.Context, rels []Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	if err := g.ensureShared(ctx); err != nil {
		return err
	}

	// Endpoint existence check against the node directory.
	uuidSet := make(map[string]bool)
	for _, r := range rels {
		uuidSet[r.SourceUUID] = true
		uuidSet[r.TargetUUID] = true
	}
	existing, err := g.directoryLookup(ctx, keys(uuidSet))
	if err != nil {
		return err
	}

	var rows []string
	for _, r := range rels {
		if existing[r.SourceUUID] == "" || existing[r.TargetUUID] == "" {
			continue
		}
		rows = append(rows, fmt.Sprintf("[%s, %s, %s, %s]", lit(r.SourceUUID), lit(r.Type), lit(r.TargetUUID), lit(jsonString(r.Props))))
	}
	if len(rows) == 0 {
		return nil
	}

	script := fmt.Sprintf("?[source, type, target, props] <- [%s]\n:put rf_edge { source, type, target => props }", strings.Join(rows, ", "))
	return g.backend.Execute(ctx, script)
}

// directoryLookup resolves uuids to labels via rf_node.
func (g *CozoGraph) directoryLookup(ctx context.Context, uuids []string) (map[string]string, error) {
	out := make(map[string]string, len(uuids))
	for start := 0; start < len(uuids); start += 500 {
		end := start + 500
		if end > len(uuids) {
			end = len(uuids)
		}
		conds := make([]string, 0, end-start)
		for _, u := range uuids[start:end] {
			conds = append(conds, "uuid = "+lit(u))
		}
		script := fmt.Sprintf("?[uuid, label] := *rf_node { uuid, label }, (%s)", strings.Join(conds, " or "))
		result, err := g.backend.Query(ctx, script)
		if err != nil {
			return nil, err
		}
		for _, row := range result.Rows {
			if len(row) < 2 {
				continue
			}
			out[anyToString(row[0])] = anyToString(row[1])
		}
	}
	return out, nil
}

// NodesOwnedBy returns all stateful nodes whose file column matches one of
// the paths.
func (g *CozoGraph) NodesOwnedBy(ctx context.Context, paths []string) ([]*Node, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if err := g.ensureShared(ctx); err != nil {
		return nil, err
	}

	conds := make([]string, len(paths))
	for i, p := range paths {
		conds[i] = "file = " + lit(p)
	}
	script := fmt.Sprintf("?[uuid, label] := *rf_node { uuid, label, file }, (%s)", strings.Join(conds, " or "))
	result, err := g.backend.Query(ctx, script)
	if err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}

	byLabel := make(map[string][]string)
	for _, row := range result.Rows {
		if len(row) < 2 {
			continue
		}
		byLabel[anyToString(row[1])] = append(byLabel[anyToString(row[1])], anyToString(row[0]))
	}

	var out []*Node
	for label, uuids := range byLabel {
		nodes, err := g.NodesByUUID(ctx, label, uuids)
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}

// NodesByUUID fetches nodes of one label by uuid.
func (g *CozoGraph) NodesByUUID(ctx context.Context, label string, uuids []string) ([]*Node, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	rel := registry.RelationName(label)

	var out []*Node
	for start := 0; start < len(uuids); start += 500 {
		end := start + 500
		if end > len(uuids) {
			end = len(uuids)
		}
		conds := make([]string, 0, end-start)
		for _, u := range uuids[start:end] {
			conds = append(conds, "uuid = "+lit(u))
		}
		script := fmt.Sprintf("?[uuid, %s] := *%s { uuid, %s }, (%s)",
			strings.Join(nodeColumns, ", "), rel, strings.Join(nodeColumns, ", "), strings.Join(conds, " or "))
		result, err := g.backend.Query(ctx, script)
		if err != nil {
			if isMissingRelation(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, row := range result.Rows {
			if n := rowToNode(label, row); n != nil {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// NodesByName finds nodes by their name column.
func (g *CozoGraph) NodesByName(ctx context.Context, name, label string) ([]*Node, error) {
	labels := []string{label}
	if label == "" {
		labels = g.reg.Labels()
	}

	var out []*Node
	for _, l := range labels {
		rel := registry.RelationName(l)
		script := fmt.Sprintf("?[uuid, %s] := *%s { uuid, %s }, name = %s",
			strings.Join(nodeColumns, ", "), rel, strings.Join(nodeColumns, ", "), lit(name))
		result, err := g.backend.Query(ctx, script)
		if err != nil {
			if isMissingRelation(err) {
				continue
			}
			return nil, err
		}
		for _, row := range result.Rows {
			if n := rowToNode(l, row); n != nil {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// NodesByState runs a filtered label scan with pagination.
func (g *CozoGraph) NodesByState(ctx context.Context, q StateQuery) ([]*Node, error) {
	labels := []string{q.Label}
	if q.Label == "" {
		labels = g.reg.Labels()
	}

	var out []*Node
	for _, l := range labels {
		rel := registry.RelationName(l)
		conds := []string{}
		if q.State != "" {
			conds = append(conds, "state = "+lit(q.State))
		}
		if q.ErrorType != "" {
			conds = append(conds, "error_type = "+lit(q.ErrorType))
		}
		if q.DirtyOnly {
			conds = append(conds, "embeddings_dirty = true")
		}
		where := ""
		if len(conds) > 0 {
			where = ", " + strings.Join(conds, ", ")
		}
		script := fmt.Sprintf("?[uuid, %s] := *%s { uuid, %s }%s",
			strings.Join(nodeColumns, ", "), rel, strings.Join(nodeColumns, ", "), where)
		if q.Limit > 0 {
			script += fmt.Sprintf("\n:limit %d", q.Limit)
		}
		if q.Offset > 0 {
			script += fmt.Sprintf("\n:offset %d", q.Offset)
		}
		result, err := g.backend.Query(ctx, script)
		if err != nil {
			if isMissingRelation(err) {
				continue
			}
			return nil, err
		}
		for _, row := range result.Rows {
			// A blank State means "any state": callers like the state
			// initializer filter on the decoded fields themselves.
			if n := rowToNode(l, row); n != nil {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// UpdateStates rewrites lifecycle columns, batched per label.
func (g *CozoGraph) UpdateStates(ctx context.Context, updates []StateUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	type group struct {
		label    string
		hasDirty bool
	}
	grouped := make(map[group][]StateUpdate)
	for _, u := range updates {
		grouped[group{u.Label, u.SetDirty != nil}] = append(grouped[group{u.Label, u.SetDirty != nil}], u)
	}

	for gkey, batch := range grouped {
		rel := registry.RelationName(gkey.label)
		cols := "state, state_changed_at, error_type, error_message, retry_count, detected_at, parsed_at, linked_at, embedded_at"
		if gkey.hasDirty {
			cols += ", embeddings_dirty"
		}

		rows := make([]string, len(batch))
		for i, u := range batch {
			f := u.Fields
			row := fmt.Sprintf("[%s, %s, %d, %s, %s, %d, %d, %d, %d, %d",
				lit(u.UUID), lit(f.State), f.StateChangedAt, lit(f.ErrorType), lit(f.ErrorMessage),
				f.RetryCount, f.DetectedAt, f.ParsedAt, f.LinkedAt, f.EmbeddedAt)
			if gkey.hasDirty {
				row += ", " + strconv.FormatBool(*u.SetDirty)
			}
			rows[i] = row + "]"
		}
		script := fmt.Sprintf("?[uuid, %s] <- [%s]\n:update %s { uuid => %s }",
			cols, strings.Join(rows, ", "), rel, cols)
		if err := g.backend.Execute(ctx, script); err != nil {
			return err
		}
	}
	return nil
}

// RestoreEmbeddings writes captured vectors back; the preserver has
// already applied coalesce and compatibility checks.
func (g *CozoGraph) RestoreEmbeddings(ctx context.Context, recs []EmbeddingRecord) error {
	return g.writeEmbeddings(ctx, recs)
}

// WriteEmbeddings overwrites vectors and clears the dirty flag.
func (g *CozoGraph) WriteEmbeddings(ctx context.Context, recs []EmbeddingRecord) error {
	return g.writeEmbeddings(ctx, recs)
}

func (g *CozoGraph) writeEmbeddings(ctx context.Context, recs []EmbeddingRecord) error {
	if len(recs) == 0 {
		return nil
	}

	byLabel := make(map[string][]EmbeddingRecord)
	for _, r := range recs {
		byLabel[r.Label] = append(byLabel[r.Label], r)
	}

	cols := "embedding_name, embedding_content, embedding_description, " +
		"embedding_name_hash, embedding_content_hash, embedding_description_hash, " +
		"embedding_provider, embedding_model, embeddings_dirty"

	for label, batch := range byLabel {
		rel := registry.RelationName(label)
		rows := make([]string, len(batch))
		for i, r := range batch {
			rows[i] = fmt.Sprintf("[%s, %s, %s, %s, %s, %s, %s, %s, %s, false]",
				lit(r.UUID),
				vecLit(r.Vectors["name"]), vecLit(r.Vectors["content"]), vecLit(r.Vectors["description"]),
				lit(r.Hashes["name"]), lit(r.Hashes["content"]), lit(r.Hashes["description"]),
				lit(r.Provider), lit(r.Model))
		}
		script := fmt.Sprintf("?[uuid, %s] <- [%s]\n:update %s { uuid => %s }",
			cols, strings.Join(rows, ", "), rel, cols)
		if err := g.backend.Execute(ctx, script); err != nil {
			return err
		}
	}
	return nil
}

// OwnedFiles enumerates distinct file owners across all stateful nodes.
func (g *CozoGraph) OwnedFiles(ctx context.Context) ([]string, error) {
	if err := g.ensureShared(ctx); err != nil {
		return nil, err
	}
	result, err := g.backend.Query(ctx, "?[file] := *rf_node { file }, file != ''")
	if err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, row := range result.Rows {
		if len(row) < 1 {
			continue
		}
		f := anyToString(row[0])
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RelatedNodes follows rf_edge from a node.
func (g *CozoGraph) RelatedNodes(ctx context.Context, uuid, relType, direction string, limit int) ([]*Node, error) {
	if limit <= 0 {
		limit = 10
	}
	var script string
	if direction == "in" {
		script = fmt.Sprintf("?[other] := *rf_edge { source: other, type, target }, type = %s, target = %s\n:limit %d",
			lit(relType), lit(uuid), limit)
	} else {
		script = fmt.Sprintf("?[other] := *rf_edge { source, type, target: other }, type = %s, source = %s\n:limit %d",
			lit(relType), lit(uuid), limit)
	}
	result, err := g.backend.Query(ctx, script)
	if err != nil {
		if isMissingRelation(err) {
			return nil, nil
		}
		return nil, err
	}

	var uuids []string
	for _, row := range result.Rows {
		if len(row) > 0 {
			uuids = append(uuids, anyToString(row[0]))
		}
	}
	if len(uuids) == 0 {
		return nil, nil
	}

	dir, err := g.directoryLookup(ctx, uuids)
	if err != nil {
		return nil, err
	}
	byLabel := make(map[string][]string)
	for _, u := range uuids {
		if label := dir[u]; label != "" {
			byLabel[label] = append(byLabel[label], u)
		}
	}
	var out []*Node
	for label, us := range byLabel {
		nodes, err := g.NodesByUUID(ctx, label, us)
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}

// AppendChange records one snapshot on the node's change chain.
func (g *CozoGraph) AppendChange(ctx context.Context, label, uuid, contentHash string, at int64) error {
	if err := g.ensureShared(ctx); err != nil {
		return err
	}
	changeID := fmt.Sprintf("change:%s:%d", uuid, at)
	script := fmt.Sprintf(
		"?[uuid, at, label, content_hash] <- [[%s, %d, %s, %s]]\n:put rf_change { uuid, at => label, content_hash }\n\n"+
			"?[source, type, target, props] <- [[%s, %s, %s, '']]\n:put rf_edge { source, type, target => props }",
		lit(uuid), at, lit(label), lit(contentHash),
		lit(uuid), lit(registry.RelHasChange), lit(changeID))
	return g.backend.Execute(ctx, script)
}

// nodeRow renders one node as a CozoScript row literal in nodeColumns
// order (after the uuid).
func nodeRow(n *Node, reg *registry.Registry) string {
	name, _ := n.Props["name"].(string)
	if name == "" {
		name, _ = n.Props["heading"].(string)
	}

	vals := []string{
		lit(n.UUID),
		lit(jsonString(n.Props)),
		lit(n.ContentHash),
		lit(n.State.State),
		strconv.FormatInt(n.State.StateChangedAt, 10),
		lit(n.State.ErrorType),
		lit(n.State.ErrorMessage),
		strconv.Itoa(n.State.RetryCount),
		strconv.FormatInt(n.State.DetectedAt, 10),
		strconv.FormatInt(n.State.ParsedAt, 10),
		strconv.FormatInt(n.State.LinkedAt, 10),
		strconv.FormatInt(n.State.EmbeddedAt, 10),
		strconv.FormatBool(n.EmbeddingsDirty),
		lit(n.EmbeddingProvider),
		lit(n.EmbeddingModel),
		vecLit(n.Embeddings["name"]),
		vecLit(n.Embeddings["content"]),
		vecLit(n.Embeddings["description"]),
		lit(n.EmbeddingHashes["name"]),
		lit(n.EmbeddingHashes["content"]),
		lit(n.EmbeddingHashes["description"]),
		lit(n.FileField(reg)),
		lit(name),
	}
	return "[" + strings.Join(vals, ", ") + "]"
}

// rowToNode decodes a query row in nodeColumns order.
func rowToNode(label string, row []any) *Node {
	if len(row) < len(nodeColumns)+1 {
		return nil
	}
	n := &Node{
		UUID:  anyToString(row[0]),
		Label: label,
		Props: map[string]any{},
	}
	if err := json.Unmarshal([]byte(anyToString(row[1])), &n.Props); err != nil {
		n.Props = map[string]any{}
	}
	n.ContentHash = anyToString(row[2])
	n.State.State = anyToString(row[3])
	n.State.StateChangedAt = anyToInt64(row[4])
	n.State.ErrorType = anyToString(row[5])
	n.State.ErrorMessage = anyToString(row[6])
	n.State.RetryCount = int(anyToInt64(row[7]))
	n.State.DetectedAt = anyToInt64(row[8])
	n.State.ParsedAt = anyToInt64(row[9])
	n.State.LinkedAt = anyToInt64(row[10])
	n.State.EmbeddedAt = anyToInt64(row[11])
	n.EmbeddingsDirty, _ = row[12].(bool)
	n.EmbeddingProvider = anyToString(row[13])
	n.EmbeddingModel = anyToString(row[14])

	n.Embeddings = map[string][]float32{}
	for i, field := range []string{"name", "content", "description"} {
		if vec := anyToVector(row[15+i]); len(vec) > 0 {
			n.Embeddings[field] = vec
		}
	}
	n.EmbeddingHashes = map[string]string{}
	for i, field := range []string{"name", "content", "description"} {
		if h := anyToString(row[18+i]); h != "" {
			n.EmbeddingHashes[field] = h
		}
	}
	return n
}

// lit renders a string as a CozoScript literal.
func lit(s string) string {
	return strconv.Quote(s)
}

// vecLit renders a vector as a list literal, or null.
func vecLit(vec []float32) string {
	if len(vec) == 0 {
		return "null"
	}
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func jsonString(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func anyToString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func anyToInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func anyToVector(v any) []float32 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(arr))
	for _, e := range arr {
		switch f := e.(type) {
		case float64:
			out = append(out, float32(f))
		case float32:
			out = append(out, f)
		case json.Number:
			fv, _ := f.Float64()
			out = append(out, float32(fv))
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "exist")
}

func isMissingRelation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cannot find") || strings.Contains(msg, "not found")
}
