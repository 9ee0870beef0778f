// Command flowrun runs a workflow declared in HCL once, without the server
// or database, and prints the final context as JSON.
//
//	flowrun run -file workflows/ -workflow daily-digest -input '{"todoId": 3}'
//	flowrun encrypt -value sk-...
//	flowrun import -file workflows/
//
// run and encrypt read the credential key from ENCRYPTION_KEY; import writes
// the declared workflows and credentials to the database at DATABASE_URL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"nodebase/api/pkg/credentials"
	"nodebase/api/pkg/ctxlog"
	"nodebase/api/pkg/db"
	"nodebase/api/pkg/hclsource"
	"nodebase/api/pkg/realtime"
	"nodebase/api/pkg/steps"
	"nodebase/api/services/workflow"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:], os.Stdout)
	case "encrypt":
		err = encryptCmd(os.Args[2:], os.Stdout)
	case "import":
		err = importCmd(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowrun:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: flowrun run -file <path> [-workflow <id>] [-input <json>] [-log-level <level>]")
	fmt.Fprintln(w, "       flowrun encrypt -value <secret>")
	fmt.Fprintln(w, "       flowrun import -file <path>")
}

func runCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("file", "", "HCL file or directory of .hcl files")
	workflowID := fs.String("workflow", "", "workflow id (optional when the files declare exactly one)")
	input := fs.String("input", "", "initial data as a JSON object")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	attempts := fs.Int("attempts", 3, "attempts per step before giving up")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("-file is required")
	}

	logger := ctxlog.New(*logLevel, "text", os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	var initial map[string]any
	if *input != "" {
		if err := json.Unmarshal([]byte(*input), &initial); err != nil {
			return fmt.Errorf("-input must be a JSON object: %w", err)
		}
	}

	src, err := hclsource.Load(ctx, *file)
	if err != nil {
		return err
	}
	id, err := pickWorkflow(src, *workflowID)
	if err != nil {
		return err
	}

	deps := workflow.ExecutorDeps{Credentials: src.Credentials}
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		cipher, err := credentials.NewCipher(key)
		if err != nil {
			return err
		}
		deps.Cipher = cipher
	}

	engine := workflow.NewEngine(src, workflow.NewRegistry(deps),
		workflow.WithPublisher(realtime.LogPublisher{}),
		workflow.WithStepRunner(steps.NewRunner(steps.NewMemoryStore(), steps.WithRetryPolicy(steps.RetryPolicy{
			MaxAttempts: *attempts,
		}))),
	)
	result, err := engine.Run(ctx, workflow.RunRequest{WorkflowID: id, InitialData: initial})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func pickWorkflow(src *hclsource.Source, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	all := src.Workflows()
	switch len(all) {
	case 0:
		return "", errors.New("no workflow blocks found")
	case 1:
		return all[0].ID, nil
	default:
		return "", fmt.Errorf("%d workflows found, choose one with -workflow", len(all))
	}
}

func encryptCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	value := fs.String("value", "", "plaintext secret to encrypt")
	_ = fs.Parse(args)
	if *value == "" {
		return errors.New("-value is required")
	}

	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		return errors.New("ENCRYPTION_KEY is not set")
	}
	cipher, err := credentials.NewCipher(key)
	if err != nil {
		return err
	}
	sealed, err := cipher.Encrypt(*value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, sealed)
	return err
}

func importCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "HCL file or directory of .hcl files")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("-file is required")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, ctxlog.New("info", "text", os.Stderr))

	src, err := hclsource.Load(ctx, *file)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, dbURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := workflow.NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	creds := credentials.NewPostgresStore(pool)
	if err := creds.InitSchema(ctx); err != nil {
		return err
	}
	return importSource(ctx, src, repo, creds, out)
}

type workflowSaver interface {
	Save(ctx context.Context, wf *workflow.Workflow) error
}

type credentialCreator interface {
	Create(ctx context.Context, c credentials.Credential) error
}

// importSource validates every workflow in src before writing anything, then
// saves the workflows and credentials.
func importSource(ctx context.Context, src *hclsource.Source, workflows workflowSaver, creds credentialCreator, out io.Writer) error {
	all := src.Workflows()
	for _, wf := range all {
		if err := wf.ValidateReferentialIntegrity(); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.ID, err)
		}
		if _, err := workflow.TopologicalSort(wf.Nodes, wf.Connections); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.ID, err)
		}
	}

	for _, wf := range all {
		if err := workflows.Save(ctx, wf); err != nil {
			return err
		}
		fmt.Fprintf(out, "imported workflow %s\n", wf.ID)
	}
	for _, c := range src.Credentials.List() {
		if err := creds.Create(ctx, c); err != nil {
			return err
		}
		fmt.Fprintf(out, "imported credential %s\n", c.ID)
	}
	return nil
}
