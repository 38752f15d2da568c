package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pipelit.dev/pipelit/runtime/components"
	"pipelit.dev/pipelit/runtime/workflow"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate workflow files",
		Long: `Validate parses each workflow file, checks it against the workflow
schema and verifies the graph against the built-in component catalog:
known node types, port compatibility, edge classes and per-node
configuration schemas. Nothing is executed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := components.DefaultRegistry(components.Config{})
			if err != nil {
				return err
			}
			failed := false
			for _, path := range args {
				if err := validateFile(reg, path); err != nil {
					failed = true
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			if failed {
				return errors.New("validation failed")
			}
			return nil
		},
	}
}

func validateFile(reg *workflow.Registry, path string) error {
	wf, err := loadWorkflowFile(path)
	if err != nil {
		return err
	}
	return workflow.ValidateWorkflow(reg, wf)
}
