package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/temporal"
	"github.com/canopy-network/entityx/pkg/temporal/pipeline"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

func jobNames() []string {
	names := make([]string, 0, len(pipeline.Jobs))
	for name := range pipeline.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseJob maps a CLI job name to its workflow type.
func parseJob(name string) (string, error) {
	wf, ok := pipeline.Jobs[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown job %q, expected one of %s", name, strings.Join(jobNames(), ", "))
	}
	return wf, nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run <job>",
		Short:     "Start a pipeline job now, outside its schedule",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowName, err := parseJob(args[0])
			if err != nil {
				return err
			}
			asOfRaw, err := cmd.Flags().GetString("as-of")
			if err != nil {
				return fmt.Errorf("failed to get as-of flag: %w", err)
			}
			wait, err := cmd.Flags().GetBool("wait")
			if err != nil {
				return fmt.Errorf("failed to get wait flag: %w", err)
			}

			var in pipeline.JobInput
			if asOfRaw != "" {
				if in.AsOf, err = time.Parse(time.RFC3339, asOfRaw); err != nil {
					return fmt.Errorf("invalid as-of %q: %w", asOfRaw, err)
				}
			}

			s, err := newSession(cmd, deps.Needs{})
			if err != nil {
				return err
			}
			defer s.close()

			tc, err := temporal.NewClient(s.ctx, s.logger)
			if err != nil {
				return err
			}
			defer tc.Close()

			id := fmt.Sprintf(temporal.WorkflowIDManualRun, strings.ToLower(args[0]), time.Now().Unix())
			run, err := tc.TClient.ExecuteWorkflow(s.ctx, client.StartWorkflowOptions{
				ID:        id,
				TaskQueue: tc.PipelineQueue,
			}, workflowName, in)
			if err != nil {
				return fmt.Errorf("start %s: %w", workflowName, err)
			}
			s.logger.Info("workflow started", zap.String("workflow_id", run.GetID()), zap.String("run_id", run.GetRunID()))
			fmt.Fprintf(s.out, "started %s workflow_id=%s run_id=%s\n", workflowName, run.GetID(), run.GetRunID())
			if !wait {
				return nil
			}

			var out map[string]any
			if err := run.Get(s.ctx, &out); err != nil {
				return fmt.Errorf("%s failed: %w", workflowName, err)
			}
			return s.render(out, nil, nil)
		},
	}
	cmd.Flags().String("as-of", "", "RFC3339 time the job runs as of (default: now)")
	cmd.Flags().Bool("wait", false, "block until the workflow completes and print its output")
	return cmd
}
