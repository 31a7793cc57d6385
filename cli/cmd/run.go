package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BDNK1/flowgate/app"
)

var (
	runInputs     []string
	runInputsFile string
)

var runCmd = &cobra.Command{
	Use:   "run <flow>",
	Short: "Execute a flow once and print the response",
	Long: `Executes a flow with the given inputs and prints the response as JSON.
Values passed with --input are strings; use --inputs-file for typed values.

Example:
  flowgate run credit --input dni=12345678 --input amount=7000
  flowgate run credit --inputs-file request.json
`,
	Args: cobra.ExactArgs(1),
	RunE: runFlow,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Input value as key=value (repeatable)")
	runCmd.Flags().StringVarP(&runInputsFile, "inputs-file", "f", "", "JSON file with the input object")
}

func runFlow(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputs(runInputsFile, runInputs)
	if err != nil {
		return err
	}

	s, l, err := loadSettings()
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), s, l)
	if err != nil {
		return err
	}
	defer a.Close()

	resp := a.Orchestrator.ExecuteFlow(cmd.Context(), args[0], inputs)
	if err := printJSON(cmd, resp); err != nil {
		return err
	}
	if !resp.IsSuccess {
		return fmt.Errorf("flow %s failed: %s", args[0], resp.ErrorCode)
	}
	return nil
}

// parseInputs merges the inputs file with key=value pairs; pairs win.
func parseInputs(file string, pairs []string) (map[string]any, error) {
	inputs := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error reading inputs file: %w", err)
		}
		if err := decodeInputs(data, &inputs); err != nil {
			return nil, fmt.Errorf("error parsing inputs file: %w", err)
		}
	}

	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", p)
		}
		inputs[strings.TrimSpace(k)] = v
	}
	return inputs, nil
}

// decodeInputs keeps numbers as json.Number so integers stay integers.
func decodeInputs(data []byte, v *map[string]any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
