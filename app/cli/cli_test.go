package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/canopy-network/entityx/pkg/db/models/alert"
	"github.com/canopy-network/entityx/pkg/resolution"
	"github.com/canopy-network/entityx/pkg/temporal/pipeline"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJob(t *testing.T) {
	wf, err := parseJob("Hourly")
	require.NoError(t, err)
	assert.Equal(t, pipeline.HourlyWorkflowName, wf)

	_, err = parseJob("weekly")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compaction, daily, hourly")
}

func TestApplyRuleFlagsOnlyTouchesSetFlags(t *testing.T) {
	filter := "e1"
	r := alert.Rule{
		UserID:       "u1",
		Name:         "big outflow",
		Metric:       alert.MetricOutflow24h,
		Threshold:    100,
		EntityFilter: &filter,
		Channels:     []string{"slack:#alerts"},
		Enabled:      true,
	}

	fs := pflag.NewFlagSet("update", pflag.ContinueOnError)
	addRuleFlags(fs)
	require.NoError(t, fs.Parse([]string{"--threshold", "250.5", "--entity", "", "--enabled=false", "--channel", "webhook:https://h/a", "--channel", "stream:ops"}))
	require.NoError(t, applyRuleFlags(fs, &r))

	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, "big outflow", r.Name)
	assert.Equal(t, alert.MetricOutflow24h, r.Metric)
	assert.Equal(t, 250.5, r.Threshold)
	assert.Nil(t, r.EntityFilter)
	assert.False(t, r.Enabled)
	assert.Equal(t, []string{"webhook:https://h/a", "stream:ops"}, r.Channels)
}

func TestRenderTableAndJSON(t *testing.T) {
	res := resolution.Result{Address: "0xabc", EntityName: "acme", Confidence: 0.5, Tier: "possible", Reasons: []string{"MULTI_SOURCE", "BEHAVIORAL"}, Stale: true}

	var table bytes.Buffer
	require.NoError(t, render(&table, outputTable, res, resultHeader, [][]string{resultRow(res.Address, &res, "")}))
	assert.Contains(t, table.String(), "acme (stale)")
	assert.Contains(t, table.String(), "MULTI_SOURCE,BEHAVIORAL")
	assert.Contains(t, table.String(), "0.5000")

	var js bytes.Buffer
	require.NoError(t, render(&js, outputJSON, res, resultHeader, nil))
	var decoded resolution.Result
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, res, decoded)
}

func TestResultRowForFailedItem(t *testing.T) {
	row := resultRow("bogus", nil, "unrecognized format")
	assert.Equal(t, "bogus", row[0])
	assert.Equal(t, "error: unrecognized format", row[1])
}

func TestRootRejectsUnknownOutput(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"rules", "get", "r1", "--output", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}

func TestRunRejectsUnknownJob(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "weekly"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "unknown job"))
}
