package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/canopy-network/entityx/pkg/clustering"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"
)

type stubClusterer struct {
	err error
}

func (s stubClusterer) Run(context.Context) (clustering.RunResult, error) {
	return clustering.RunResult{From: 1, To: 5, Transactions: 7}, s.err
}

func (s stubClusterer) Compact(context.Context) (clustering.CompactResult, error) {
	return clustering.CompactResult{}, s.err
}

func TestTemporalErr(t *testing.T) {
	assert.NoError(t, temporalErr(nil))

	dep := errs.Dependency("clickhouse", errors.New("down"))
	assert.Equal(t, dep, temporalErr(dep))

	err := temporalErr(errs.Validation("height", "3", "bad"))
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
	assert.Equal(t, ErrTypeValidation, appErr.Type())
}

func TestClusterIncrementalActivity(t *testing.T) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestActivityEnvironment()
	ac := &Context{Logger: zaptest.NewLogger(t), Clustering: stubClusterer{}}
	env.RegisterActivity(ac.ClusterIncremental)

	val, err := env.ExecuteActivity(ac.ClusterIncremental)
	require.NoError(t, err)
	var res clustering.RunResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, 7, res.Transactions)

	ac.Clustering = stubClusterer{err: errs.Validation("watermark", "9", "ahead of head")}
	_, err = env.ExecuteActivity(ac.ClusterIncremental)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
}
