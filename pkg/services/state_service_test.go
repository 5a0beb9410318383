package services

import (
	"context"
	"testing"

	testdb "github.com/cirisai/ciris-engine/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateService_SaveAndLoad(t *testing.T) {
	client := testdb.NewTestClient(t)
	service := NewStateService(client)
	ctx := context.Background()

	t.Run("never-run occurrence loads empty", func(t *testing.T) {
		state, err := service.LoadCognitiveState(ctx, "occ-fresh")
		require.NoError(t, err)
		assert.Empty(t, state)
	})

	t.Run("save then load round-trips", func(t *testing.T) {
		require.NoError(t, service.SaveCognitiveState(ctx, "occ-1", "WAKEUP"))

		state, err := service.LoadCognitiveState(ctx, "occ-1")
		require.NoError(t, err)
		assert.Equal(t, "WAKEUP", state)
	})

	t.Run("save overwrites the previous state", func(t *testing.T) {
		require.NoError(t, service.SaveCognitiveState(ctx, "occ-1", "WORK"))
		require.NoError(t, service.SaveCognitiveState(ctx, "occ-1", "SHUTDOWN"))

		state, err := service.LoadCognitiveState(ctx, "occ-1")
		require.NoError(t, err)
		assert.Equal(t, "SHUTDOWN", state)
	})

	t.Run("occurrences do not share state", func(t *testing.T) {
		require.NoError(t, service.SaveCognitiveState(ctx, "occ-2", "WORK"))

		state, err := service.LoadCognitiveState(ctx, "occ-1")
		require.NoError(t, err)
		assert.Equal(t, "SHUTDOWN", state)
	})

	t.Run("requires an occurrence id", func(t *testing.T) {
		err := service.SaveCognitiveState(ctx, "", "WORK")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}
