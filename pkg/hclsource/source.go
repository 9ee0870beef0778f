// Package hclsource loads workflow snapshots and credentials from HCL files,
// so a workflow can be run without the database.
//
// A file holds any number of workflow and credential blocks:
//
//	workflow "daily-digest" {
//	  name    = "Daily digest"
//	  user_id = "user-1"
//
//	  node "trigger" {
//	    type = "MANUAL_TRIGGER"
//	  }
//	  node "todo" {
//	    type = "HTTP_REQUEST"
//	    data = {
//	      variableName = "todo"
//	      endpoint     = "https://jsonplaceholder.typicode.com/todos/1"
//	    }
//	  }
//
//	  connection {
//	    from = "trigger"
//	    to   = "todo"
//	  }
//	}
//
//	credential "openai-main" {
//	  user_id = "user-1"
//	  type    = "OPENAI"
//	  value   = "<ciphertext>"
//	}
//
// Handlebars placeholders such as {{todo.httpResponse.data.title}} are plain
// text to HCL and pass through untouched.
package hclsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"nodebase/api/pkg/credentials"
	"nodebase/api/pkg/ctxlog"
	"nodebase/api/services/workflow"
)

type fileSchema struct {
	Workflows   []*workflowBlock   `hcl:"workflow,block"`
	Credentials []*credentialBlock `hcl:"credential,block"`
}

type workflowBlock struct {
	ID          string             `hcl:"id,label"`
	Name        string             `hcl:"name,optional"`
	UserID      string             `hcl:"user_id,optional"`
	Nodes       []*nodeBlock       `hcl:"node,block"`
	Connections []*connectionBlock `hcl:"connection,block"`
}

type nodeBlock struct {
	ID   string         `hcl:"id,label"`
	Type string         `hcl:"type"`
	X    float64        `hcl:"x,optional"`
	Y    float64        `hcl:"y,optional"`
	Data hcl.Expression `hcl:"data,optional"`
}

type connectionBlock struct {
	From       string `hcl:"from"`
	To         string `hcl:"to"`
	FromOutput string `hcl:"from_output,optional"`
	ToInput    string `hcl:"to_input,optional"`
}

type credentialBlock struct {
	ID     string `hcl:"id,label"`
	UserID string `hcl:"user_id"`
	Name   string `hcl:"name,optional"`
	Type   string `hcl:"type"`
	Value  string `hcl:"value"`
}

// Source is the set of workflows and credentials read from HCL. It serves
// workflows to the engine through Get; Credentials serves the executors.
type Source struct {
	workflows   map[string]*workflow.Workflow
	Credentials *credentials.MemoryStore
}

// Get returns the workflow with id, or nil, nil when no file declared it.
func (s *Source) Get(_ context.Context, id string) (*workflow.Workflow, error) {
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	return wf, nil
}

// Workflows returns every loaded workflow ordered by id.
func (s *Source) Workflows() []*workflow.Workflow {
	out := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load reads path, which is either one .hcl file or a directory whose .hcl
// files are all loaded into a single Source.
func Load(ctx context.Context, path string) (*Source, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logger.Warn("No .hcl files found", "path", path)
	}

	src := newSource()
	parser := hclparse.NewParser()
	for _, file := range files {
		logger.Debug("Loading workflow file", "path", file)
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		if err := src.add(file, hclFile); err != nil {
			return nil, err
		}
	}
	return src, nil
}

// Parse loads a single HCL document held in memory. filename is used in
// diagnostics only.
func Parse(data []byte, filename string) (*Source, error) {
	hclFile, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	src := newSource()
	if err := src.add(filename, hclFile); err != nil {
		return nil, err
	}
	return src, nil
}

func newSource() *Source {
	return &Source{
		workflows:   make(map[string]*workflow.Workflow),
		Credentials: credentials.NewMemoryStore(),
	}
}

func (s *Source) add(filename string, file *hcl.File) error {
	var parsed fileSchema
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	for _, block := range parsed.Workflows {
		if _, dup := s.workflows[block.ID]; dup {
			return fmt.Errorf("%s: workflow %q is declared more than once", filename, block.ID)
		}
		wf, err := block.toWorkflow()
		if err != nil {
			return fmt.Errorf("%s: workflow %q: %w", filename, block.ID, err)
		}
		s.workflows[wf.ID] = wf
	}

	for _, block := range parsed.Credentials {
		s.Credentials.Put(credentials.Credential{
			ID:     block.ID,
			UserID: block.UserID,
			Name:   block.Name,
			Type:   credentials.Type(strings.ToUpper(block.Type)),
			Value:  block.Value,
		})
	}
	return nil
}

func (b *workflowBlock) toWorkflow() (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		ID:     b.ID,
		Name:   b.Name,
		UserID: b.UserID,
	}

	for _, n := range b.Nodes {
		data, err := evalData(n.Data)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		wf.Nodes = append(wf.Nodes, workflow.Node{
			ID:       n.ID,
			Type:     workflow.NodeType(strings.ToUpper(n.Type)),
			Position: workflow.Position{X: n.X, Y: n.Y},
			Data:     data,
		})
	}

	for _, c := range b.Connections {
		wf.Connections = append(wf.Connections, workflow.Connection{
			FromNodeID: c.From,
			ToNodeID:   c.To,
			FromOutput: c.FromOutput,
			ToInput:    c.ToInput,
		}.Normalize())
	}
	return wf, nil
}

// evalData evaluates a node's data attribute. It must be an object; an
// absent attribute yields nil data.
func evalData(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to evaluate data: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("data must be an object, got %s", val.Type().FriendlyName())
	}

	native, err := ctyToNative(val)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	m, _ := native.(map[string]any)
	return m, nil
}

func findFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(p) == ".hcl" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find HCL files in %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}
