package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		name               string
		page, pageSize     int
		wantPage, wantSize int
	}{
		{"defaults", 0, 0, 1, 5},
		{"negative page", -3, 10, 1, 10},
		{"negative size", 2, -1, 2, 1},
		{"size capped", 1, 500, 1, 100},
		{"kept", 4, 20, 4, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, size := normalizePage(tt.page, tt.pageSize)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantSize, size)
		})
	}
}

func TestMemoryExecutions_GetAndComplete(t *testing.T) {
	store := NewMemoryExecutions()
	ctx := context.Background()

	got, err := store.GetExecution(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	exec := &Execution{ID: "e1", WorkflowID: "wf", Status: ExecutionRunning, StartedAt: time.Now()}
	require.NoError(t, store.StartExecution(ctx, exec))

	// The store keeps its own copy.
	exec.Status = ExecutionAborted
	got, err = store.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, got.Status)

	require.NoError(t, store.CompleteExecution(ctx, exec))
	got, _ = store.GetExecution(ctx, "e1")
	assert.Equal(t, ExecutionAborted, got.Status)
}

func TestMemoryExecutions_ListExecutions(t *testing.T) {
	store := NewMemoryExecutions()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		wf := "wf-a"
		if i%3 == 0 {
			wf = "wf-b"
		}
		require.NoError(t, store.StartExecution(ctx, &Execution{
			ID:         fmt.Sprintf("e%02d", i),
			WorkflowID: wf,
			Status:     ExecutionSuccess,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
		}))
	}

	page, err := store.ListExecutions(ctx, "", 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 12, page.TotalCount)
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNextPage)
	assert.False(t, page.HasPreviousPage)
	require.Len(t, page.Items, 5)
	assert.Equal(t, "e11", page.Items[0].ID)
	assert.Equal(t, "e07", page.Items[4].ID)

	page, err = store.ListExecutions(ctx, "wf-b", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, page.TotalCount)
	assert.Equal(t, []string{"e09", "e06", "e03", "e00"}, executionIDs(page.Items))

	page, err = store.ListExecutions(ctx, "wf-a", 9, 5)
	require.NoError(t, err)
	assert.Equal(t, 8, page.TotalCount)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasNextPage)
	assert.True(t, page.HasPreviousPage)
}

func TestMemoryExecutions_ListExecutions_Empty(t *testing.T) {
	page, err := NewMemoryExecutions().ListExecutions(context.Background(), "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, page.TotalCount)
	assert.Equal(t, 0, page.TotalPages)
	assert.False(t, page.HasNextPage)
	assert.NotNil(t, page.Items)
}

func executionIDs(items []Execution) []string {
	ids := make([]string, len(items))
	for i, e := range items {
		ids[i] = e.ID
	}
	return ids
}

func TestMemoryExecutions_ClaimExecution(t *testing.T) {
	store := NewMemoryExecutions()
	ctx := context.Background()
	completed := time.Now()
	require.NoError(t, store.StartExecution(ctx, &Execution{
		ID: "e1", WorkflowID: "wf", Status: ExecutionFailed, ErrorKind: KindExternalService,
		Error: "boom", NodeID: "b", InitialData: map[string]any{"k": "v"},
		StartedAt: completed.Add(-time.Minute), CompletedAt: &completed,
	}))

	restarted := completed.Add(time.Minute)
	claimed, err := store.ClaimExecution(ctx, "e1", restarted)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, ExecutionRunning, claimed.Status)
	assert.Empty(t, claimed.Error)
	assert.Empty(t, claimed.ErrorKind)
	assert.Nil(t, claimed.CompletedAt)
	assert.Equal(t, restarted, claimed.StartedAt)
	assert.Equal(t, "v", claimed.InitialData["k"])

	again, err := store.ClaimExecution(ctx, "e1", restarted)
	require.NoError(t, err)
	assert.Nil(t, again)

	missing, err := store.ClaimExecution(ctx, "nope", restarted)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryExecutions_ClaimExecution_Concurrent(t *testing.T) {
	store := NewMemoryExecutions()
	ctx := context.Background()
	require.NoError(t, store.StartExecution(ctx, &Execution{ID: "e1", Status: ExecutionFailed}))

	var wg sync.WaitGroup
	var claims atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if exec, _ := store.ClaimExecution(ctx, "e1", time.Now()); exec != nil {
				claims.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), claims.Load())
}
