// Package cli implements entityxctl, the operator command line. Commands talk
// to the stores directly with the same environment the services use.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/logging"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func Run() ExitCode {
	if err := NewRootCmd().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "entityxctl",
		Short:         "Operate the entity attribution pipeline.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().StringP("output", "o", outputTable, "output format (table, json)")

	rootCmd.AddCommand(
		newResolveCmd(),
		newClusterCmd(),
		newRulesCmd(),
		newEventsCmd(),
		newImportCmd(),
		newRunCmd(),
	)
	return rootCmd
}

// session carries what a command opened. close releases it.
type session struct {
	ctx    context.Context
	logger *zap.Logger
	deps   *deps.Deps
	output string
	out    io.Writer

	cancel context.CancelFunc
}

func newSession(cmd *cobra.Command, needs deps.Needs) (*session, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	output, err := cmd.Root().PersistentFlags().GetString("output")
	if err != nil {
		return nil, fmt.Errorf("failed to get output flag: %w", err)
	}
	if output != outputTable && output != outputJSON {
		return nil, fmt.Errorf("invalid output format: %s", output)
	}

	logger, err := logging.NewCLI(verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	s := &session{ctx: ctx, logger: logger, output: output, out: cmd.OutOrStdout(), cancel: cancel}
	if needs != (deps.Needs{}) {
		d, err := deps.Open(ctx, logger, "cli", needs)
		if err != nil {
			cancel()
			return nil, err
		}
		s.deps = d
	}
	return s, nil
}

func (s *session) close() {
	if s.deps != nil {
		s.deps.Close()
	}
	_ = s.logger.Sync()
	s.cancel()
}

// render prints v as indented JSON, or as a table built from header and rows.
func (s *session) render(v any, header []string, rows [][]string) error {
	return render(s.out, s.output, v, header, rows)
}

func render(w io.Writer, output string, v any, header []string, rows [][]string) error {
	if output == outputJSON || header == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(true)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
	return nil
}
