package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/runplan"
)

func newGenerateCommand(_ *rootOptions) *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "generate <definitions.json|->",
		Short: "Generate the run plan of a workflow from its processor definitions",
		Long: "Reads a JSON array of processor definitions and prints the generated run plan.\n" +
			"Definition errors such as cycles or missing inputs are reported and exit non-zero.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := readDefinitions(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if workflowID == "" && len(defs) > 0 {
				workflowID = defs[0].FlowID
			}
			plan, err := runplan.NewGenerator(nil).Generate(workflowID, defs)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		},
	}
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "workflow id, defaults to the flowId of the first definition")
	return cmd
}

func readDefinitions(path string, stdin io.Reader) ([]model.ProcessorDefinition, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}
	var defs []model.ProcessorDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	return defs, nil
}
