package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kilnhq/kilnd/internal/protocol"
	"github.com/kilnhq/kilnd/internal/server"
)

// Represents the 'kilnd validate' command.
type ValidateCmd struct {
	File string `arg:"" optional:"" default:"pipeline.cue" help:"Pipeline file." type:"existingfile"`
	JSON bool   `help:"Print the plan as JSON."`
}

// Executes the validate command.
//
// Validation runs locally; no daemon is needed.
func (c *ValidateCmd) Run(ctx context.Context) error {
	source, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}

	plan, err := server.Validate(source, c.File)
	if err != nil {
		return err
	}

	if c.JSON {
		return printJSON(os.Stdout, plan)
	}
	printPlan(os.Stdout, plan)
	return nil
}

func printPlan(w io.Writer, plan *protocol.ValidateResult) {
	fmt.Fprintf(w, "pipeline %s is valid\n", plan.Name)
	fmt.Fprintln(w, "order:")
	for i, s := range plan.Order {
		marker := ""
		if s == plan.Image {
			marker = " (image)"
		}
		fmt.Fprintf(w, "  %d. %s%s\n", i+1, s, marker)
	}
	if len(plan.Edges) > 0 {
		fmt.Fprintln(w, "artifacts:")
		for _, e := range plan.Edges {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}
