package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canopy-network/entityx/app/deps"
	"github.com/canopy-network/entityx/pkg/alerts"
	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var ruleHeader = []string{"Rule ID", "User", "Name", "Metric", "Threshold", "Entity", "Channels", "Enabled"}

func ruleRows(rules ...alert.Rule) [][]string {
	rows := make([][]string, len(rules))
	for i, r := range rules {
		filter := "*"
		if r.EntityFilter != nil {
			filter = *r.EntityFilter
		}
		rows[i] = []string{
			r.RuleID, r.UserID, r.Name, string(r.Metric),
			strconv.FormatFloat(r.Threshold, 'f', -1, 64),
			filter, strings.Join(r.Channels, " "), strconv.FormatBool(r.Enabled),
		}
	}
	return rows
}

func addRuleFlags(fs *pflag.FlagSet) {
	fs.String("user", "", "owner user id")
	fs.String("name", "", "rule name")
	fs.String("metric", "", "metric: "+metricList())
	fs.Float64("threshold", 0, "fire when the metric exceeds this value")
	fs.String("entity", "", "only evaluate this entity id (empty for all)")
	fs.StringSlice("channel", nil, "delivery channel kind:target, repeatable")
	fs.Bool("enabled", true, "whether the rule is evaluated")
}

func metricList() string {
	names := make([]string, 0, len(alert.Metrics()))
	for _, m := range alert.Metrics() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}

// applyRuleFlags overlays the flags the user set on r. An explicit empty
// --entity clears the filter.
func applyRuleFlags(fs *pflag.FlagSet, r *alert.Rule) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "user":
			r.UserID = f.Value.String()
		case "name":
			r.Name = f.Value.String()
		case "metric":
			r.Metric = alert.Metric(f.Value.String())
		case "threshold":
			r.Threshold, err = fs.GetFloat64("threshold")
		case "entity":
			if v := f.Value.String(); v != "" {
				r.EntityFilter = &v
			} else {
				r.EntityFilter = nil
			}
		case "channel":
			r.Channels, err = fs.GetStringSlice("channel")
		case "enabled":
			r.Enabled, err = fs.GetBool("enabled")
		}
	})
	return err
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage alert rules",
	}

	withRules := func(cmd *cobra.Command, fn func(s *session, rules *alerts.Rules) error) error {
		s, err := newSession(cmd, deps.Needs{Postgres: true})
		if err != nil {
			return err
		}
		defer s.close()
		return fn(s, alerts.NewRules(s.deps.Alerts, s.deps.Clock))
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := alert.Rule{Enabled: true}
			if err := applyRuleFlags(cmd.Flags(), &r); err != nil {
				return err
			}
			return withRules(cmd, func(s *session, rules *alerts.Rules) error {
				created, err := rules.Create(s.ctx, r)
				if err != nil {
					return err
				}
				return s.render(created, ruleHeader, ruleRows(created))
			})
		},
	}
	addRuleFlags(create.Flags())

	get := &cobra.Command{
		Use:   "get <rule-id>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(cmd, func(s *session, rules *alerts.Rules) error {
				r, err := rules.Get(s.ctx, args[0])
				if err != nil {
					return err
				}
				return s.render(r, ruleHeader, ruleRows(r))
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the rules of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := cmd.Flags().GetString("user")
			if err != nil {
				return fmt.Errorf("failed to get user flag: %w", err)
			}
			return withRules(cmd, func(s *session, rules *alerts.Rules) error {
				out, err := rules.List(s.ctx, user)
				if err != nil {
					return err
				}
				return s.render(out, ruleHeader, ruleRows(out...))
			})
		},
	}
	list.Flags().String("user", "", "owner user id")
	_ = list.MarkFlagRequired("user")

	update := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Change the given fields of a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(cmd, func(s *session, rules *alerts.Rules) error {
				r, err := rules.Get(s.ctx, args[0])
				if err != nil {
					return err
				}
				if err := applyRuleFlags(cmd.Flags(), &r); err != nil {
					return err
				}
				updated, err := rules.Update(s.ctx, args[0], r)
				if err != nil {
					return err
				}
				return s.render(updated, ruleHeader, ruleRows(updated))
			})
		},
	}
	addRuleFlags(update.Flags())

	del := &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule and stop its evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRules(cmd, func(s *session, rules *alerts.Rules) error {
				if err := rules.Delete(s.ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(s.out, "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, get, list, update, del)
	return cmd
}

var eventHeader = []string{"Alert ID", "Rule ID", "Entity", "Status", "Created", "Deliveries"}

func eventRows(events []alert.Event) [][]string {
	rows := make([][]string, len(events))
	for i, e := range events {
		var deliveries []string
		for _, d := range e.Deliveries {
			deliveries = append(deliveries, fmt.Sprintf("%s=%s/%d", d.Channel, d.Status, d.Attempts))
		}
		rows[i] = []string{e.AlertID, e.RuleID, e.EntityID, string(e.Status), e.CreatedAt.Format(time.RFC3339), strings.Join(deliveries, " ")}
	}
	return rows
}
