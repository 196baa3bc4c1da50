package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/resolution"
	"github.com/spf13/cobra"
)

var resultHeader = []string{"Address", "Entity", "Category", "Confidence", "Tier", "Reasons", "Cluster"}

func resultRow(address string, r *resolution.Result, errMsg string) []string {
	if r == nil {
		return []string{address, "error: " + errMsg, "", "", "", "", ""}
	}
	entity := r.EntityName
	if entity == "" {
		entity = r.EntityID
	}
	if r.Stale {
		entity += " (stale)"
	}
	return []string{
		r.Address,
		entity,
		r.Category,
		strconv.FormatFloat(r.Confidence, 'f', 4, 64),
		r.Tier,
		strings.Join(r.Reasons, ","),
		r.ClusterID,
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <address> [address...]",
		Short: "Resolve addresses to their most likely entity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, deps.Needs{ClickHouse: true})
			if err != nil {
				return err
			}
			defer s.close()
			svc := s.deps.Resolution()

			if len(args) == 1 {
				res, err := svc.Resolve(s.ctx, args[0])
				if err != nil {
					return err
				}
				return s.render(res, resultHeader, [][]string{resultRow(args[0], &res, "")})
			}

			items, err := svc.ResolveBatch(s.ctx, args)
			if err != nil {
				return err
			}
			rows := make([][]string, len(items))
			for i, it := range items {
				rows[i] = resultRow(it.Address, it.Result, it.Error)
			}
			return s.render(items, resultHeader, rows)
		},
	}
}

func newClusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster <cluster-id>",
		Short: "Show a cluster with its members and labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, deps.Needs{ClickHouse: true})
			if err != nil {
				return err
			}
			defer s.close()

			detail, err := s.deps.Resolution().ClusterDetail(s.ctx, args[0])
			if err != nil {
				return err
			}
			if s.output == outputJSON {
				return s.render(detail, nil, nil)
			}

			fmt.Fprintf(s.out, "cluster %s active=%t size=%d heights=%d..%d\n",
				detail.ClusterID, detail.Active, detail.Size, detail.FirstSeenHeight, detail.LastSeenHeight)
			if detail.SupersededBy != "" {
				fmt.Fprintf(s.out, "superseded by %s\n", detail.SupersededBy)
			}
			rows := make([][]string, 0, len(detail.Labels))
			for _, l := range detail.Labels {
				rows = append(rows, []string{l.EntityID, l.EntityName, l.Category, strconv.FormatFloat(l.Confidence, 'f', 4, 64), l.Tier, strings.Join(l.Reasons, ",")})
			}
			if err := s.render(detail.Labels, []string{"Entity ID", "Name", "Category", "Confidence", "Tier", "Reasons"}, rows); err != nil {
				return err
			}
			for _, m := range detail.Members {
				fmt.Fprintln(s.out, m)
			}
			return nil
		},
	}
}
