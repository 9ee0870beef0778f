package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Repository handles workflow and execution persistence in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

var (
	_ WorkflowRepo   = (*Repository)(nil)
	_ ExecutionStore = (*Repository)(nil)
)

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflows and executions tables if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			nodes       JSONB NOT NULL DEFAULT '[]',
			connections JSONB NOT NULL DEFAULT '[]',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			error_kind   TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			node_id      TEXT NOT NULL DEFAULT '',
			initial_data JSONB,
			output       JSONB,
			started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS executions_workflow_started_idx
			ON executions (workflow_id, started_at DESC);
	`)
	if err != nil {
		return errors.Wrap(err, "init schema")
	}
	return nil
}

// Save inserts wf or replaces the stored snapshot with the same id.
func (r *Repository) Save(ctx context.Context, wf *Workflow) error {
	nodesJSON, err := json.Marshal(nonNilNodes(wf.Nodes))
	if err != nil {
		return errors.Wrap(err, "marshal nodes")
	}
	connsJSON, err := json.Marshal(nonNilConnections(wf.Connections))
	if err != nil {
		return errors.Wrap(err, "marshal connections")
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, user_id, nodes, connections)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			user_id = EXCLUDED.user_id,
			nodes = EXCLUDED.nodes,
			connections = EXCLUDED.connections,
			updated_at = NOW()
	`, wf.ID, wf.Name, wf.UserID, nodesJSON, connsJSON)
	if err != nil {
		return errors.Wrapf(err, "save workflow %s", wf.ID)
	}
	return nil
}

// Seed inserts the sample workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	nodesJSON, err := json.Marshal(sampleWorkflow.Nodes)
	if err != nil {
		return errors.Wrap(err, "marshal seed nodes")
	}
	connsJSON, err := json.Marshal(sampleWorkflow.Connections)
	if err != nil {
		return errors.Wrap(err, "marshal seed connections")
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, user_id, nodes, connections)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, sampleWorkflow.ID, sampleWorkflow.Name, sampleWorkflow.UserID, nodesJSON, connsJSON)
	if err != nil {
		return errors.Wrap(err, "seed workflow")
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var nodesJSON, connsJSON []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, name, user_id, nodes, connections, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &wf.Name, &wf.UserID, &nodesJSON, &connsJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get workflow")
	}

	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, errors.Wrap(err, "unmarshal nodes")
	}
	if err := json.Unmarshal(connsJSON, &wf.Connections); err != nil {
		return nil, errors.Wrap(err, "unmarshal connections")
	}
	return &wf, nil
}

func (r *Repository) StartExecution(ctx context.Context, exec *Execution) error {
	initial, err := marshalNullable(exec.InitialData)
	if err != nil {
		return errors.Wrap(err, "marshal initial data")
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, status, initial_data, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error_kind = '',
			error = '',
			node_id = '',
			output = NULL,
			started_at = EXCLUDED.started_at,
			completed_at = NULL
	`, exec.ID, exec.WorkflowID, exec.Status, initial, exec.StartedAt)
	if err != nil {
		return errors.Wrapf(err, "start execution %s", exec.ID)
	}
	return nil
}

func (r *Repository) CompleteExecution(ctx context.Context, exec *Execution) error {
	output, err := marshalNullable(exec.Output)
	if err != nil {
		return errors.Wrap(err, "marshal output")
	}

	_, err = r.db.Exec(ctx, `
		UPDATE executions
		SET status = $2, error_kind = $3, error = $4, node_id = $5, output = $6, completed_at = $7
		WHERE id = $1
	`, exec.ID, exec.Status, exec.ErrorKind, exec.Error, exec.NodeID, output, exec.CompletedAt)
	if err != nil {
		return errors.Wrapf(err, "complete execution %s", exec.ID)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, error_kind, error, node_id, initial_data, output, started_at, completed_at`

func (r *Repository) ClaimExecution(ctx context.Context, id string, startedAt time.Time) (*Execution, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE executions
		SET status = $2, error_kind = '', error = '', node_id = '', output = NULL,
			started_at = $3, completed_at = NULL
		WHERE id = $1 AND status <> $2
		RETURNING `+executionColumns, id, ExecutionRunning, startedAt)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "claim execution %s", id)
	}
	return exec, nil
}

func (r *Repository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := r.db.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get execution")
	}
	return exec, nil
}

func (r *Repository) ListExecutions(ctx context.Context, workflowID string, page, pageSize int) (*ExecutionPage, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM executions WHERE $1 = '' OR workflow_id = $1
	`, workflowID).Scan(&total)
	if err != nil {
		return nil, errors.Wrap(err, "count executions")
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE $1 = '' OR workflow_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, workflowID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	defer rows.Close()

	var items []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		items = append(items, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	return newExecutionPage(items, page, pageSize, total), nil
}

func scanExecution(row pgx.Row) (*Execution, error) {
	var exec Execution
	var initial, output []byte
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.Status, &exec.ErrorKind, &exec.Error,
		&exec.NodeID, &initial, &output, &exec.StartedAt, &exec.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(initial) > 0 {
		if err := json.Unmarshal(initial, &exec.InitialData); err != nil {
			return nil, errors.Wrap(err, "unmarshal initial data")
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &exec.Output); err != nil {
			return nil, errors.Wrap(err, "unmarshal output")
		}
	}
	return &exec, nil
}

func marshalNullable[M ~map[string]any](m M) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nonNilNodes(nodes []Node) []Node {
	if nodes == nil {
		return []Node{}
	}
	return nodes
}

func nonNilConnections(conns []Connection) []Connection {
	if conns == nil {
		return []Connection{}
	}
	return conns
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, pool *pgxpool.Pool) error {
	repo := NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

const sampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

// sampleWorkflow fetches a todo item and posts its title to Discord. The
// webhook URL is a placeholder to be replaced in the editor.
var sampleWorkflow = Workflow{
	ID:     sampleWorkflowID,
	Name:   "Todo Digest Workflow",
	UserID: "demo-user",
	Nodes: []Node{
		{
			ID: "trigger", Type: NodeTypeManualTrigger,
			Position: Position{X: -160, Y: 300},
		},
		{
			ID: "fetch-todo", Type: NodeTypeHTTPRequest,
			Position: Position{X: 152, Y: 304},
			Data: map[string]any{
				"variableName": "todo",
				"endpoint":     "https://jsonplaceholder.typicode.com/todos/{{#if todoId}}{{todoId}}{{else}}1{{/if}}",
				"method":       "GET",
			},
		},
		{
			ID: "notify", Type: NodeTypeDiscord,
			Position: Position{X: 460, Y: 304},
			Data: map[string]any{
				"variableName": "notification",
				"webhookUrl":   "https://discord.com/api/webhooks/replace-me",
				"content":      "Todo: {{todo.httpResponse.data.title}}",
				"username":     "Nodebase",
			},
		},
	},
	Connections: []Connection{
		{FromNodeID: "trigger", ToNodeID: "fetch-todo", FromOutput: DefaultPort, ToInput: DefaultPort},
		{FromNodeID: "fetch-todo", ToNodeID: "notify", FromOutput: DefaultPort, ToInput: DefaultPort},
	},
}
