package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-intercept/pkg/config"
	"github.com/polisai/polis-intercept/pkg/policy"
)

var validateFlags struct {
	file   string
	format string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a policy file",
	Long: `Parse and compile a policy file without starting the engine.

Every policy is built through the policy registry and every pointcut condition is
compiled, so the command reports all the problems a reload would reject.

Examples:
  # Validate the policy file named by the configuration
  polis-intercept validate

  # Validate a specific file and print the compiled policies as JSON
  polis-intercept validate --file policies.yaml --format json`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFlags.file, "file", "f", "", "policy file to validate (defaults to the configured file)")
	validateCmd.Flags().StringVar(&validateFlags.format, "format", "text", "output format: text, json")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path := validateFlags.file
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Policies.File
	}
	return validatePolicyFile(cmd.OutOrStdout(), path, validateFlags.format)
}

func validatePolicyFile(out io.Writer, path, format string) error {
	file, err := config.LoadPolicyFile(path)
	if err != nil {
		return err
	}

	registry := policy.DefaultRegistry(policy.Dependencies{Logger: slog.New(slog.DiscardHandler)})
	snapshot, err := config.Compile(file, registry, 0)
	if err != nil {
		var snapErr *config.SnapshotError
		if errors.As(err, &snapErr) {
			for _, e := range snapErr.Errs {
				fmt.Fprintf(out, "error: %v\n", e)
			}
			return fmt.Errorf("%s: %d invalid policies", path, len(snapErr.Errs))
		}
		return err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot.Summaries())
	case "text":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tORDER\tSCOPE\tCOMPONENTS")
		for _, s := range snapshot.Summaries() {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%v\n", s.ID, s.Kind, s.Order, s.Scope, s.Components)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d policies OK\n", path, snapshot.Len())
		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
