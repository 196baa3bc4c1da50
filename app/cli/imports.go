package cli

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/labels"
	"github.com/spf13/cobra"
)

var importHeader = []string{"Source", "Accepted", "Rejected", "Duplicates", "Entities Created"}

func importRow(r labels.Result) []string {
	return []string{
		r.Source,
		strconv.Itoa(r.Accepted),
		strconv.Itoa(r.Rejected),
		strconv.Itoa(r.Duplicates),
		strconv.Itoa(r.EntitiesCreated),
	}
}

func (s *session) printErrors(r labels.Result) {
	if s.output != outputTable {
		return
	}
	for _, e := range r.Errors {
		fmt.Fprintln(s.out, "  rejected:", e)
	}
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load labels or model predictions from files",
	}

	labelsCmd := &cobra.Command{
		Use:   "labels <file> [file...]",
		Short: "Normalize label documents (YAML, or JSON by extension)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := cmd.Flags().GetString("source")
			if err != nil {
				return fmt.Errorf("failed to get source flag: %w", err)
			}

			s, err := newSession(cmd, deps.Needs{ClickHouse: true})
			if err != nil {
				return err
			}
			defer s.close()

			sources := make([]labels.Source, len(args))
			for i, path := range args {
				name := source
				if name == "" {
					name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				sources[i] = labels.NewFileSource(name, path)
			}

			normalizer := labels.NewNormalizer(s.deps.Store, s.deps.Config, s.logger, s.deps.Metrics, s.deps.Clock)
			summary, err := labels.NewRunner(normalizer, 1).Run(s.ctx, sources...)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(summary.Results))
			for _, r := range summary.Results {
				rows = append(rows, importRow(r))
			}
			if err := s.render(summary, importHeader, rows); err != nil {
				return err
			}
			for _, r := range summary.Results {
				s.printErrors(r)
			}
			if len(summary.Failed) > 0 {
				for _, f := range summary.Failed {
					fmt.Fprintf(cmd.ErrOrStderr(), "source %s failed: %s\n", f.Source, f.Error)
				}
				return fmt.Errorf("%d of %d sources failed", len(summary.Failed), len(sources))
			}
			return nil
		},
	}
	labelsCmd.Flags().String("source", "", "source name recorded on every label (default: file name)")

	predictions := &cobra.Command{
		Use:   "predictions <file>",
		Short: "Store classifier cluster predictions as ml_model labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			preds, err := labels.LoadPredictions(args[0])
			if err != nil {
				return err
			}

			s, err := newSession(cmd, deps.Needs{ClickHouse: true})
			if err != nil {
				return err
			}
			defer s.close()

			res, err := labels.ImportClusterLabels(s.ctx, s.deps.Store, s.deps.Clock, preds)
			if err != nil {
				return err
			}
			if err := s.render(res, importHeader, [][]string{importRow(res)}); err != nil {
				return err
			}
			s.printErrors(res)
			return nil
		},
	}

	cmd.AddCommand(labelsCmd, predictions)
	return cmd
}
