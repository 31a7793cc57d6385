package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/filesource"
	"github.com/BDNK1/flowgate/runtime/flowstore"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Inspect flow definitions",
}

var flowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the flows found in the flows directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		names, err := store.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	},
}

var flowsShowCmd = &cobra.Command{
	Use:   "show <flow>",
	Short: "Print a validated flow definition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		flow, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, flow)
	},
}

var flowsValidateCmd = &cobra.Command{
	Use:   "validate [flow...]",
	Short: "Validate flow definitions",
	Long: `Validates the named flows, or every flow when none is named.
Exits with an error when any definition is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			if names, err = store.List(); err != nil {
				return err
			}
		}

		failed := 0
		for _, name := range names {
			if err := store.Validate(cmd.Context(), name); err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", name, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", name)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d flows are invalid", failed, len(names))
		}
		return nil
	},
}

func init() {
	flowsCmd.AddCommand(flowsListCmd, flowsShowCmd, flowsValidateCmd)
}

// openStore reads flows straight from disk without caching or connecting
// to any data source.
func openStore() (*flowstore.Store, error) {
	s, l, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return newStore(s, l), nil
}

func newStore(s *runtime.Settings, l *slog.Logger) *flowstore.Store {
	return flowstore.New(filesource.NewDir(s.FlowsPath, l), 0, l)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
