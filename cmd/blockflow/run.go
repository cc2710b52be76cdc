package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/blockflow/pkg/schema"
)

// readDocument reads a file, or stdin when path is "-".
func readDocument(path string, stdin io.Reader) ([]byte, error) {
	switch path {
	case "":
		return nil, cli.Exit("a workflow file (or - for stdin) is required", 2)
	case "-":
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// compileWorkflow prints the plan of a workflow document. An invalid plan is
// printed too, then reported through the exit code.
func compileWorkflow(w io.Writer, path string, cfg Config) error {
	raw, err := readDocument(path, os.Stdin)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(context.Background(), cfg, false)
	if err != nil {
		return err
	}
	defer rt.close()

	plan := rt.engine.CompileJSON(raw)
	if err := writeJSON(w, plan); err != nil {
		return err
	}
	if !plan.Valid {
		return cli.Exit(fmt.Sprintf("workflow is invalid: %d finding(s)", len(plan.Errors)), 1)
	}
	return nil
}

// parseInputs merges --inputs-file and --inputs, the latter winning per key.
func parseInputs(inline, file string) (map[string]any, error) {
	inputs := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	if inline != "" {
		var extra map[string]any
		if err := json.Unmarshal([]byte(inline), &extra); err != nil {
			return nil, fmt.Errorf("parse --inputs: %w", err)
		}
		for k, v := range extra {
			inputs[k] = v
		}
	}
	return inputs, nil
}

// runWorkflow executes a document to completion. Interrupting the process
// cancels the run; the partial tree is still printed.
func runWorkflow(ctx context.Context, cmd *cli.Command, cfg Config) error {
	raw, err := readDocument(cmd.Args().First(), os.Stdin)
	if err != nil {
		return err
	}
	var wf schema.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return fmt.Errorf("decode workflow: %w", err)
	}
	inputs, err := parseInputs(cmd.String("inputs"), cmd.String("inputs-file"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := cmd.Duration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	rt, err := buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.close()

	res, err := rt.engine.Run(ctx, &wf, inputs, schema.ExecuteOptions{
		ExecutionID: cmd.String("execution-id"),
	})
	if err != nil {
		return err
	}
	if cmd.Bool("events") {
		enc := json.NewEncoder(cmd.Root().ErrWriter)
		for _, ev := range rt.engine.Hub().History(res.ID) {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
	if err := writeJSON(cmd.Root().Writer, res); err != nil {
		return err
	}
	if res.Status != schema.RunCompleted {
		return cli.Exit(fmt.Sprintf("execution %s %s", res.ID, res.Status), 1)
	}
	return nil
}
