package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cirisai/ciris-engine/pkg/models"
	testdb "github.com/cirisai/ciris-engine/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOccurrence = "occ-test"

func newTaskFixture(t *testing.T) (*TaskService, context.Context) {
	t.Helper()
	client := testdb.NewTestClient(t)
	return NewTaskService(client), context.Background()
}

func TestTaskService_CreateTask(t *testing.T) {
	service, ctx := newTaskFixture(t)

	t.Run("creates pending task with defaults", func(t *testing.T) {
		task, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence,
			AdapterID:    "api",
			ChannelID:    "api-user-1",
			SubjectID:    "user-1",
			InitialInput: "hello agent",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Equal(t, models.TaskKindStandard, task.Kind)
		assert.Equal(t, 0, task.RoundCount)
		assert.Nil(t, task.CompletedAt)

		// Round-trips through the store
		got, err := service.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, "hello agent", got.InitialInput)
		assert.Equal(t, "user-1", got.SubjectID)
	})

	t.Run("accepts explicit kinds", func(t *testing.T) {
		task, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence,
			Kind:         models.TaskKindBootstrap,
			InitialInput: "confirm identity",
		})
		require.NoError(t, err)
		assert.Equal(t, models.TaskKindBootstrap, task.Kind)
	})

	t.Run("validates required fields", func(t *testing.T) {
		tests := []struct {
			name string
			req  models.CreateTaskRequest
		}{
			{
				name: "missing occurrence_id",
				req:  models.CreateTaskRequest{InitialInput: "hi"},
			},
			{
				name: "missing initial_input",
				req:  models.CreateTaskRequest{OccurrenceID: testOccurrence},
			},
			{
				name: "unknown kind",
				req:  models.CreateTaskRequest{OccurrenceID: testOccurrence, Kind: "sprint", InitialInput: "hi"},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := service.CreateTask(ctx, tt.req)
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
			})
		}
	})
}

func TestTaskService_GetTask_NotFound(t *testing.T) {
	service, ctx := newTaskFixture(t)

	_, err := service.GetTask(ctx, "no-such-task")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskService_ClaimNextPendingTask(t *testing.T) {
	service, ctx := newTaskFixture(t)

	t.Run("returns nil when queue is empty", func(t *testing.T) {
		task, err := service.ClaimNextPendingTask(ctx, testOccurrence)
		require.NoError(t, err)
		assert.Nil(t, task)
	})

	t.Run("claims oldest pending task and marks it active", func(t *testing.T) {
		first, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence, InitialInput: "first",
		})
		require.NoError(t, err)
		// Ensure distinct created_at ordering
		time.Sleep(5 * time.Millisecond)
		_, err = service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence, InitialInput: "second",
		})
		require.NoError(t, err)

		claimed, err := service.ClaimNextPendingTask(ctx, testOccurrence)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, first.ID, claimed.ID)
		assert.Equal(t, models.TaskActive, claimed.Status)

		// Store reflects the claim
		got, err := service.GetTask(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskActive, got.Status)
	})

	t.Run("never claims another occurrence's task", func(t *testing.T) {
		_, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: "occ-other", InitialInput: "not yours",
		})
		require.NoError(t, err)

		// testOccurrence still has one pending ("second") from the previous
		// subtest; drain it, then the queue must be empty for us.
		claimed, err := service.ClaimNextPendingTask(ctx, testOccurrence)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, "second", claimed.InitialInput)

		claimed, err = service.ClaimNextPendingTask(ctx, testOccurrence)
		require.NoError(t, err)
		assert.Nil(t, claimed)

		// The other occurrence can still claim its own
		claimed, err = service.ClaimNextPendingTask(ctx, "occ-other")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, "not yours", claimed.InitialInput)
	})
}

func TestTaskService_ClaimNextPendingTask_Concurrent(t *testing.T) {
	service, ctx := newTaskFixture(t)

	const taskCount = 8
	for i := 0; i < taskCount; i++ {
		_, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence, InitialInput: "work",
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimedIDs := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := service.ClaimNextPendingTask(ctx, testOccurrence)
				require.NoError(t, err)
				if task == nil {
					return
				}
				mu.Lock()
				claimedIDs[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every task claimed exactly once
	assert.Len(t, claimedIDs, taskCount)
	for id, n := range claimedIDs {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestTaskService_IncrementRound(t *testing.T) {
	service, ctx := newTaskFixture(t)

	task, err := service.CreateTask(ctx, models.CreateTaskRequest{
		OccurrenceID: testOccurrence, InitialInput: "count my rounds",
	})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		round, err := service.IncrementRound(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, want, round)
	}

	_, err = service.IncrementRound(ctx, "no-such-task")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskService_UpdateTaskStatus(t *testing.T) {
	service, ctx := newTaskFixture(t)

	t.Run("terminal transition sets completed_at and reason", func(t *testing.T) {
		task, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence, InitialInput: "finish me",
		})
		require.NoError(t, err)

		err = service.UpdateTaskStatus(ctx, task.ID, models.TaskCompleted, "task_complete")
		require.NoError(t, err)

		got, err := service.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, got.Status)
		assert.Equal(t, "task_complete", got.OutcomeReason)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, time.Now().UTC(), *got.CompletedAt, 5*time.Second)
	})

	t.Run("terminated tasks are immutable", func(t *testing.T) {
		task, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence, InitialInput: "defer me",
		})
		require.NoError(t, err)

		err = service.UpdateTaskStatus(ctx, task.ID, models.TaskDeferred, "round_budget_exhausted")
		require.NoError(t, err)

		// Second terminal write must be refused
		err = service.UpdateTaskStatus(ctx, task.ID, models.TaskCompleted, "too late")
		assert.ErrorIs(t, err, ErrTaskTerminal)

		got, err := service.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskDeferred, got.Status)
		assert.Equal(t, "round_budget_exhausted", got.OutcomeReason)
	})

	t.Run("unknown task", func(t *testing.T) {
		err := service.UpdateTaskStatus(ctx, "no-such-task", models.TaskFailed, "boom")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown status", func(t *testing.T) {
		err := service.UpdateTaskStatus(ctx, "whatever", "exploded", "")
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})
}

func TestTaskService_ReleaseStalledTasks(t *testing.T) {
	service, ctx := newTaskFixture(t)

	task, err := service.CreateTask(ctx, models.CreateTaskRequest{
		OccurrenceID: testOccurrence, InitialInput: "stall out",
	})
	require.NoError(t, err)

	claimed, err := service.ClaimNextPendingTask(ctx, testOccurrence)
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)

	// Fresh claims are not stalled
	released, err := service.ReleaseStalledTasks(ctx, testOccurrence, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, released)

	// With a zero threshold every active task counts as stalled
	time.Sleep(5 * time.Millisecond)
	released, err = service.ReleaseStalledTasks(ctx, testOccurrence, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	got, err := service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
}

func TestTaskService_ListTasks(t *testing.T) {
	service, ctx := newTaskFixture(t)

	for i := 0; i < 3; i++ {
		_, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence,
			SubjectID:    "alice",
			ChannelID:    "api-alice",
			InitialInput: "msg",
		})
		require.NoError(t, err)
	}
	bobTask, err := service.CreateTask(ctx, models.CreateTaskRequest{
		OccurrenceID: testOccurrence,
		SubjectID:    "bob",
		ChannelID:    "api-bob",
		InitialInput: "msg",
	})
	require.NoError(t, err)
	require.NoError(t, service.UpdateTaskStatus(ctx, bobTask.ID, models.TaskCompleted, "done"))

	t.Run("lists everything for the occurrence", func(t *testing.T) {
		resp, err := service.ListTasks(ctx, testOccurrence, models.TaskFilters{})
		require.NoError(t, err)
		assert.Equal(t, 4, resp.TotalCount)
		assert.Len(t, resp.Tasks, 4)
		assert.Equal(t, 20, resp.Limit)
	})

	t.Run("filters by subject", func(t *testing.T) {
		resp, err := service.ListTasks(ctx, testOccurrence, models.TaskFilters{SubjectID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, 3, resp.TotalCount)
	})

	t.Run("filters by status", func(t *testing.T) {
		resp, err := service.ListTasks(ctx, testOccurrence, models.TaskFilters{Status: models.TaskCompleted})
		require.NoError(t, err)
		require.Len(t, resp.Tasks, 1)
		assert.Equal(t, bobTask.ID, resp.Tasks[0].ID)
	})

	t.Run("paginates", func(t *testing.T) {
		resp, err := service.ListTasks(ctx, testOccurrence, models.TaskFilters{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, resp.TotalCount)
		assert.Len(t, resp.Tasks, 2)
		assert.Equal(t, 2, resp.Offset)
	})

	t.Run("other occurrences are invisible", func(t *testing.T) {
		resp, err := service.ListTasks(ctx, "occ-elsewhere", models.TaskFilters{})
		require.NoError(t, err)
		assert.Zero(t, resp.TotalCount)
		assert.Empty(t, resp.Tasks)
	})
}

func TestTaskService_CountByStatus(t *testing.T) {
	service, ctx := newTaskFixture(t)

	for i := 0; i < 2; i++ {
		_, err := service.CreateTask(ctx, models.CreateTaskRequest{
			OccurrenceID: testOccurrence, InitialInput: "pending work",
		})
		require.NoError(t, err)
	}
	task, err := service.CreateTask(ctx, models.CreateTaskRequest{
		OccurrenceID: testOccurrence, InitialInput: "done work",
	})
	require.NoError(t, err)
	require.NoError(t, service.UpdateTaskStatus(ctx, task.ID, models.TaskCompleted, "done"))

	counts, err := service.CountByStatus(ctx, testOccurrence)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.TaskPending])
	assert.Equal(t, 1, counts[models.TaskCompleted])
}
