package services

import (
	"context"
	"testing"

	"github.com/cirisai/ciris-engine/pkg/models"
	testdb "github.com/cirisai/ciris-engine/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraphFixture(t *testing.T) (*GraphService, context.Context) {
	t.Helper()
	client := testdb.NewTestClient(t)
	return NewGraphService(client), context.Background()
}

func TestGraphService_UpsertNode(t *testing.T) {
	service, ctx := newGraphFixture(t)

	t.Run("first write creates version 1", func(t *testing.T) {
		node, err := service.UpsertNode(ctx, &models.GraphNode{
			Scope:      models.ScopeLocal,
			Type:       models.NodeUser,
			ID:         "alice",
			Attributes: map[string]string{"display_name": "Alice", "timezone": "UTC"},
			UpdatedBy:  "task-1",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, node.Version)
		assert.False(t, node.CreatedAt.IsZero())
	})

	t.Run("rewrite bumps version and replaces attributes wholesale", func(t *testing.T) {
		node, err := service.UpsertNode(ctx, &models.GraphNode{
			Scope:      models.ScopeLocal,
			Type:       models.NodeUser,
			ID:         "alice",
			Attributes: map[string]string{"locale": "en-GB"},
			UpdatedBy:  "task-2",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, node.Version)

		got, err := service.GetNode(ctx, models.NodeKey{
			Scope: models.ScopeLocal, Type: models.NodeUser, ID: "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, map[string]string{"locale": "en-GB"}, got.Attributes)
		assert.Equal(t, "task-2", got.UpdatedBy)
	})

	t.Run("rejects system-managed attributes", func(t *testing.T) {
		_, err := service.UpsertNode(ctx, &models.GraphNode{
			Scope:      models.ScopeLocal,
			Type:       models.NodeUser,
			ID:         "mallory",
			Attributes: map[string]string{"user_id": "forged"},
		})
		assert.ErrorIs(t, err, ErrManagedAttribute)

		// Nothing was written
		_, err = service.GetNode(ctx, models.NodeKey{
			Scope: models.ScopeLocal, Type: models.NodeUser, ID: "mallory",
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects attributes outside the type schema", func(t *testing.T) {
		_, err := service.UpsertNode(ctx, &models.GraphNode{
			Scope:      models.ScopeLocal,
			Type:       models.NodeUser,
			ID:         "bob",
			Attributes: map[string]string{"favorite_color": "green"},
		})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("rejects unknown scope and type", func(t *testing.T) {
		_, err := service.UpsertNode(ctx, &models.GraphNode{
			Scope: "galactic", Type: models.NodeUser, ID: "x",
		})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		_, err = service.UpsertNode(ctx, &models.GraphNode{
			Scope: models.ScopeLocal, Type: "widget", ID: "x",
		})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestGraphService_QueryNodes(t *testing.T) {
	service, ctx := newGraphFixture(t)

	seed := []models.GraphNode{
		{Scope: models.ScopeLocal, Type: models.NodeConcept, ID: "go", Attributes: map[string]string{"label": "Go", "source": "docs"}},
		{Scope: models.ScopeLocal, Type: models.NodeConcept, ID: "sql", Attributes: map[string]string{"label": "SQL", "source": "docs"}},
		{Scope: models.ScopeLocal, Type: models.NodeConcept, ID: "http", Attributes: map[string]string{"label": "HTTP", "source": "chat"}},
		{Scope: models.ScopeIdentity, Type: models.NodeAgent, ID: "self", Attributes: map[string]string{"name": "ciris"}},
	}
	for i := range seed {
		_, err := service.UpsertNode(ctx, &seed[i])
		require.NoError(t, err)
	}

	t.Run("exact key hit", func(t *testing.T) {
		key := models.NodeKey{Scope: models.ScopeLocal, Type: models.NodeConcept, ID: "go"}
		nodes, err := service.QueryNodes(ctx, models.RecallQuery{Key: &key})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "go", nodes[0].ID)
	})

	t.Run("exact key miss is an empty answer, not an error", func(t *testing.T) {
		key := models.NodeKey{Scope: models.ScopeLocal, Type: models.NodeConcept, ID: "rust"}
		nodes, err := service.QueryNodes(ctx, models.RecallQuery{Key: &key})
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("scope and type scan", func(t *testing.T) {
		nodes, err := service.QueryNodes(ctx, models.RecallQuery{
			Scope: models.ScopeLocal, Type: models.NodeConcept,
		})
		require.NoError(t, err)
		assert.Len(t, nodes, 3)
	})

	t.Run("attribute match", func(t *testing.T) {
		nodes, err := service.QueryNodes(ctx, models.RecallQuery{
			Scope: models.ScopeLocal, Type: models.NodeConcept,
			AttrKey: "source", AttrValue: "docs",
		})
		require.NoError(t, err)
		assert.Len(t, nodes, 2)
	})

	t.Run("scope isolation", func(t *testing.T) {
		nodes, err := service.QueryNodes(ctx, models.RecallQuery{Scope: models.ScopeIdentity})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "self", nodes[0].ID)
	})

	t.Run("invalid scope", func(t *testing.T) {
		_, err := service.QueryNodes(ctx, models.RecallQuery{Scope: "galactic"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("limit applies", func(t *testing.T) {
		nodes, err := service.QueryNodes(ctx, models.RecallQuery{
			Scope: models.ScopeLocal, Type: models.NodeConcept, Limit: 2,
		})
		require.NoError(t, err)
		assert.Len(t, nodes, 2)
	})
}

func TestGraphService_DeleteNode(t *testing.T) {
	service, ctx := newGraphFixture(t)

	_, err := service.UpsertNode(ctx, &models.GraphNode{
		Scope: models.ScopeLocal, Type: models.NodeUser, ID: "alice",
	})
	require.NoError(t, err)
	_, err = service.UpsertNode(ctx, &models.GraphNode{
		Scope: models.ScopeLocal, Type: models.NodeChannel, ID: "general",
	})
	require.NoError(t, err)
	require.NoError(t, service.UpsertEdge(ctx, &models.GraphEdge{
		Scope:      models.ScopeLocal,
		SourceType: models.NodeUser, SourceID: "alice",
		TargetType: models.NodeChannel, TargetID: "general",
		Relationship: "participates_in",
	}))

	key := models.NodeKey{Scope: models.ScopeLocal, Type: models.NodeUser, ID: "alice"}
	require.NoError(t, service.DeleteNode(ctx, key))

	_, err = service.GetNode(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// Edges touching the node went with it
	edges, err := service.EdgesFrom(ctx, models.ScopeLocal, models.NodeUser, "alice")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// Forget is idempotent: deleting again is a no-op
	assert.NoError(t, service.DeleteNode(ctx, key))
}

func TestGraphService_Edges(t *testing.T) {
	service, ctx := newGraphFixture(t)

	edge := &models.GraphEdge{
		Scope:      models.ScopeLocal,
		SourceType: models.NodeUser, SourceID: "alice",
		TargetType: models.NodeConcept, TargetID: "go",
		Relationship: "interested_in",
	}
	require.NoError(t, service.UpsertEdge(ctx, edge))

	t.Run("weight defaults to 1.0", func(t *testing.T) {
		edges, err := service.EdgesFrom(ctx, models.ScopeLocal, models.NodeUser, "alice")
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, 1.0, edges[0].Weight)
	})

	t.Run("re-upsert updates the weight", func(t *testing.T) {
		edge.Weight = 0.5
		require.NoError(t, service.UpsertEdge(ctx, edge))

		edges, err := service.EdgesFrom(ctx, models.ScopeLocal, models.NodeUser, "alice")
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, 0.5, edges[0].Weight)
	})

	t.Run("validates endpoints", func(t *testing.T) {
		err := service.UpsertEdge(ctx, &models.GraphEdge{
			Scope:      models.ScopeLocal,
			SourceType: models.NodeUser, SourceID: "alice",
			TargetType: models.NodeConcept, TargetID: "go",
		})
		require.Error(t, err)
		assert.True(t, IsValidationError(err), "missing relationship")
	})
}
