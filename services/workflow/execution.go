package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExecutionStatus is the state of one run in the execution history.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
	ExecutionAborted ExecutionStatus = "ABORTED"
)

// Execution is the history record of one run. A record left in RUNNING
// belongs to a run that has not finished (or whose host died mid-run).
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflowId"`
	Status      ExecutionStatus `json:"status"`
	ErrorKind   Kind            `json:"errorKind,omitempty"`
	Error       string          `json:"error,omitempty"`
	NodeID      string          `json:"nodeId,omitempty"`
	InitialData map[string]any  `json:"initialData,omitempty"`
	Output      Context         `json:"output,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// ExecutionPage is one page of the execution history.
type ExecutionPage struct {
	Items           []Execution `json:"items"`
	Page            int         `json:"page"`
	PageSize        int         `json:"pageSize"`
	TotalCount      int         `json:"totalCount"`
	TotalPages      int         `json:"totalPages"`
	HasNextPage     bool        `json:"hasNextPage"`
	HasPreviousPage bool        `json:"hasPreviousPage"`
}

// Pagination bounds for ListExecutions.
const (
	DefaultPage     = 1
	DefaultPageSize = 5
	MinPageSize     = 1
	MaxPageSize     = 100
)

// ExecutionStore records run history.
type ExecutionStore interface {
	// StartExecution inserts exec, or resets an existing record with the same id.
	StartExecution(ctx context.Context, exec *Execution) error
	CompleteExecution(ctx context.Context, exec *Execution) error
	// ClaimExecution atomically moves a finished execution back to RUNNING
	// for a retry and returns it. It returns nil, nil when id is unknown or
	// the execution is already running.
	ClaimExecution(ctx context.Context, id string, startedAt time.Time) (*Execution, error)
	// GetExecution returns nil, nil when id is unknown.
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// ListExecutions returns newest first; an empty workflowID lists all workflows.
	ListExecutions(ctx context.Context, workflowID string, page, pageSize int) (*ExecutionPage, error)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func newExecutionPage(items []Execution, page, pageSize, total int) *ExecutionPage {
	totalPages := (total + pageSize - 1) / pageSize
	if items == nil {
		items = []Execution{}
	}
	return &ExecutionPage{
		Items:           items,
		Page:            page,
		PageSize:        pageSize,
		TotalCount:      total,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}
}

// MemoryExecutions is an in-process ExecutionStore.
type MemoryExecutions struct {
	mu    sync.RWMutex
	items map[string]Execution
}

var _ ExecutionStore = (*MemoryExecutions)(nil)

// NewMemoryExecutions returns an empty store.
func NewMemoryExecutions() *MemoryExecutions {
	return &MemoryExecutions{items: make(map[string]Execution)}
}

func (m *MemoryExecutions) StartExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[exec.ID] = *exec
	return nil
}

func (m *MemoryExecutions) CompleteExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[exec.ID] = *exec
	return nil
}

func (m *MemoryExecutions) ClaimExecution(_ context.Context, id string, startedAt time.Time) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.items[id]
	if !ok || exec.Status == ExecutionRunning {
		return nil, nil
	}
	exec.Status = ExecutionRunning
	exec.ErrorKind = ""
	exec.Error = ""
	exec.NodeID = ""
	exec.Output = nil
	exec.StartedAt = startedAt
	exec.CompletedAt = nil
	m.items[id] = exec
	return &exec, nil
}

func (m *MemoryExecutions) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &exec, nil
}

func (m *MemoryExecutions) ListExecutions(_ context.Context, workflowID string, page, pageSize int) (*ExecutionPage, error) {
	page, pageSize = normalizePage(page, pageSize)

	m.mu.RLock()
	var all []Execution
	for _, exec := range m.items {
		if workflowID == "" || exec.WorkflowID == workflowID {
			all = append(all, exec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	start := (page - 1) * pageSize
	var items []Execution
	if start < len(all) {
		end := start + pageSize
		if end > len(all) {
			end = len(all)
		}
		items = all[start:end]
	}
	return newExecutionPage(items, page, pageSize, len(all)), nil
}
