package models

import (
	"fmt"
	"time"
)

// GraphScope partitions graph memory by visibility.
type GraphScope string

const (
	ScopeLocal       GraphScope = "local"
	ScopeIdentity    GraphScope = "identity"
	ScopeEnvironment GraphScope = "environment"
	ScopeCommunity   GraphScope = "community"
)

// IsValid returns true if the scope is known
func (s GraphScope) IsValid() bool {
	switch s {
	case ScopeLocal, ScopeIdentity, ScopeEnvironment, ScopeCommunity:
		return true
	}
	return false
}

// NodeType classifies graph nodes. Each type declares its attribute schema.
type NodeType string

const (
	NodeUser        NodeType = "user"
	NodeAgent       NodeType = "agent"
	NodeChannel     NodeType = "channel"
	NodeConcept     NodeType = "concept"
	NodeObservation NodeType = "observation"
	NodeConfig      NodeType = "config"
)

// IsValid returns true if the node type is known
func (t NodeType) IsValid() bool {
	switch t {
	case NodeUser, NodeAgent, NodeChannel, NodeConcept, NodeObservation, NodeConfig:
		return true
	}
	return false
}

// DataCategory maps the node type to the consent category its reads fall
// under. Profile attributes are preference data, observations behavioral;
// the remaining types describe the system, not a subject.
func (t NodeType) DataCategory() DataCategory {
	switch t {
	case NodeUser:
		return CategoryPreference
	case NodeObservation:
		return CategoryBehavioral
	default:
		return CategoryEssential
	}
}

// SubjectID returns the subject a node's data belongs to, or "" for nodes
// that are not subject data. Consent filtering on the read path keys off
// this.
func (n *GraphNode) SubjectID() string {
	if n.Type == NodeUser {
		return n.ID
	}
	return ""
}

// ManagedAttributes are system-owned fields MEMORIZE must never write.
var ManagedAttributes = map[string]bool{
	"user_id":   true,
	"agent_id":  true,
	"thread_id": true,
}

// nodeSchemas declares the allowed attribute keys per node type. Attributes
// are explicit string→scalar maps, never free-form.
var nodeSchemas = map[NodeType]map[string]bool{
	NodeUser:        {"display_name": true, "locale": true, "timezone": true, "trust": true},
	NodeAgent:       {"name": true, "purpose": true, "lineage": true, "version": true},
	NodeChannel:     {"adapter": true, "name": true, "topic": true},
	NodeConcept:     {"label": true, "definition": true, "source": true, "confidence": true},
	NodeObservation: {"summary": true, "channel": true, "occurred_at": true, "source": true},
	NodeConfig:      {"key": true, "value": true, "applied_by": true},
}

// NodeKey uniquely identifies a graph node.
type NodeKey struct {
	Scope GraphScope `json:"scope"`
	Type  NodeType   `json:"type"`
	ID    string     `json:"id"`
}

// String renders the key as scope/type/id.
func (k NodeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Scope, k.Type, k.ID)
}

// GraphNode is a typed, versioned memory record.
type GraphNode struct {
	Scope      GraphScope        `json:"scope"`
	Type       NodeType          `json:"type"`
	ID         string            `json:"id"`
	Version    int               `json:"version"`
	Attributes map[string]string `json:"attributes,omitempty"`
	UpdatedBy  string            `json:"updated_by,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Key returns the node's unique key.
func (n *GraphNode) Key() NodeKey {
	return NodeKey{Scope: n.Scope, Type: n.Type, ID: n.ID}
}

// ValidateSchema checks scope, type, id, and attribute keys against the
// declared schema for the node's type. Managed attributes are rejected
// here as well so no write path can smuggle them in.
func (n *GraphNode) ValidateSchema() error {
	if !n.Scope.IsValid() {
		return fmt.Errorf("unknown graph scope %q", n.Scope)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("unknown node type %q", n.Type)
	}
	if n.ID == "" {
		return fmt.Errorf("node id is required")
	}
	schema := nodeSchemas[n.Type]
	for key := range n.Attributes {
		if ManagedAttributes[key] {
			return fmt.Errorf("attribute %q is system-managed", key)
		}
		if !schema[key] {
			return fmt.Errorf("attribute %q is not in the %s schema", key, n.Type)
		}
	}
	return nil
}

// GraphEdge is a typed relationship between two nodes in one scope.
type GraphEdge struct {
	Scope        GraphScope `json:"scope"`
	SourceType   NodeType   `json:"source_type"`
	SourceID     string     `json:"source_id"`
	TargetType   NodeType   `json:"target_type"`
	TargetID     string     `json:"target_id"`
	Relationship string     `json:"relationship"`
	Weight       float64    `json:"weight,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Validate checks edge endpoints and relationship.
func (e *GraphEdge) Validate() error {
	if !e.Scope.IsValid() {
		return fmt.Errorf("unknown graph scope %q", e.Scope)
	}
	if !e.SourceType.IsValid() || !e.TargetType.IsValid() {
		return fmt.Errorf("unknown endpoint node type")
	}
	if e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("edge endpoints require ids")
	}
	if e.Relationship == "" {
		return fmt.Errorf("relationship is required")
	}
	return nil
}

// RecallQuery selects nodes from graph memory. Either an exact key or a
// scope+type scan with an optional attribute match.
type RecallQuery struct {
	Key       *NodeKey   `json:"key,omitempty"`
	Scope     GraphScope `json:"scope,omitempty"`
	Type      NodeType   `json:"type,omitempty"`
	AttrKey   string     `json:"attr_key,omitempty"`
	AttrValue string     `json:"attr_value,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
