package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// GraphService persists typed, versioned graph memory. Write paths enforce
// the per-type attribute schema and reject system-managed attributes before
// anything touches the store.
type GraphService struct {
	client *database.Client
}

// NewGraphService creates a new GraphService
func NewGraphService(client *database.Client) *GraphService {
	if client == nil {
		panic("NewGraphService: client must not be nil")
	}
	return &GraphService{client: client}
}

// UpsertNode creates or updates a node. Updates bump the version and replace
// attributes wholesale.
func (s *GraphService) UpsertNode(ctx context.Context, node *models.GraphNode) (*models.GraphNode, error) {
	for key := range node.Attributes {
		if models.ManagedAttributes[key] {
			return nil, fmt.Errorf("%w: %s", ErrManagedAttribute, key)
		}
	}
	if err := node.ValidateSchema(); err != nil {
		return nil, NewValidationError("node", err.Error())
	}

	attrs := node.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	now := time.Now().UTC()
	stored := *node
	err = s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`INSERT INTO graph_nodes (scope, node_type, node_id, version, attributes, updated_by, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT (scope, node_type, node_id) DO UPDATE SET
		   version = graph_nodes.version + 1,
		   attributes = excluded.attributes,
		   updated_by = excluded.updated_by,
		   updated_at = excluded.updated_at
		 RETURNING version, created_at, updated_at`),
		node.Scope, node.Type, node.ID, string(attrsJSON), node.UpdatedBy, now, now,
	).Scan(&stored.Version, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert node: %w", err)
	}

	stored.Attributes = attrs
	return &stored, nil
}

// GetNode retrieves one node by key
func (s *GraphService) GetNode(ctx context.Context, key models.NodeKey) (*models.GraphNode, error) {
	row := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		selectNodeColumns+` FROM graph_nodes WHERE scope = ? AND node_type = ? AND node_id = ?`),
		key.Scope, key.Type, key.ID)

	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// QueryNodes selects nodes matching a recall query. A missing exact-key node
// yields an empty result, not an error: recall of the unknown is an answer.
func (s *GraphService) QueryNodes(ctx context.Context, query models.RecallQuery) ([]*models.GraphNode, error) {
	if query.Key != nil {
		node, err := s.GetNode(ctx, *query.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return []*models.GraphNode{}, nil
			}
			return nil, err
		}
		return []*models.GraphNode{node}, nil
	}

	if !query.Scope.IsValid() {
		return nil, NewValidationError("scope", fmt.Sprintf("unknown graph scope '%s'", query.Scope))
	}

	where := `WHERE scope = ?`
	args := []any{query.Scope}
	if query.Type != "" {
		where += ` AND node_type = ?`
		args = append(args, query.Type)
	}
	if query.AttrKey != "" {
		where += ` AND ` + s.client.Dialect().JSONExtract("attributes", query.AttrKey) + ` = ?`
		args = append(args, query.AttrValue)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		selectNodeColumns+` FROM graph_nodes `+where+` ORDER BY updated_at DESC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*models.GraphNode{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// DeleteNode removes a node and every edge touching it. Deleting a node that
// does not exist is a no-op: forget is idempotent.
func (s *GraphService) DeleteNode(ctx context.Context, key models.NodeKey) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.client.Rebind(
		`DELETE FROM graph_edges
		 WHERE scope = ? AND ((source_type = ? AND source_id = ?) OR (target_type = ? AND target_id = ?))`),
		key.Scope, key.Type, key.ID, key.Type, key.ID)
	if err != nil {
		return fmt.Errorf("failed to delete edges: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.client.Rebind(
		`DELETE FROM graph_nodes WHERE scope = ? AND node_type = ? AND node_id = ?`),
		key.Scope, key.Type, key.ID)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// UpsertEdge creates or updates a relationship between two nodes
func (s *GraphService) UpsertEdge(ctx context.Context, edge *models.GraphEdge) error {
	if err := edge.Validate(); err != nil {
		return NewValidationError("edge", err.Error())
	}
	weight := edge.Weight
	if weight == 0 {
		weight = 1.0
	}

	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`INSERT INTO graph_edges (scope, source_type, source_id, target_type, target_id, relationship, weight, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope, source_type, source_id, target_type, target_id, relationship)
		 DO UPDATE SET weight = excluded.weight`),
		edge.Scope, edge.SourceType, edge.SourceID, edge.TargetType, edge.TargetID,
		edge.Relationship, weight, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert edge: %w", err)
	}
	return nil
}

// EdgesFrom lists outgoing edges of one node
func (s *GraphService) EdgesFrom(ctx context.Context, scope models.GraphScope, sourceType models.NodeType, sourceID string) ([]*models.GraphEdge, error) {
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		`SELECT scope, source_type, source_id, target_type, target_id, relationship, weight, created_at
		 FROM graph_edges WHERE scope = ? AND source_type = ? AND source_id = ?
		 ORDER BY relationship ASC`),
		scope, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	edges := []*models.GraphEdge{}
	for rows.Next() {
		var edge models.GraphEdge
		err := rows.Scan(&edge.Scope, &edge.SourceType, &edge.SourceID,
			&edge.TargetType, &edge.TargetID, &edge.Relationship, &edge.Weight, &edge.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

const selectNodeColumns = `SELECT scope, node_type, node_id, version, attributes, updated_by, created_at, updated_at`

func scanNode(row rowScanner) (*models.GraphNode, error) {
	var node models.GraphNode
	var attrsJSON []byte
	err := row.Scan(&node.Scope, &node.Type, &node.ID, &node.Version,
		&attrsJSON, &node.UpdatedBy, &node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &node.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	return &node, nil
}
