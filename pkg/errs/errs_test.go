package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsSurviveWrapping(t *testing.T) {
	v := fmt.Errorf("normalize: %w", Validation("address", "xyz", "bad checksum"))
	n := fmt.Errorf("resolve: %w", NotFound("cluster", "abc"))
	c := fmt.Errorf("reduce: %w", Conflict("cluster", "membership moved"))
	d := fmt.Errorf("fetch: %w", Dependency("clickhouse", errors.New("dial tcp")))

	assert.True(t, IsValidation(v))
	assert.True(t, IsNotFound(n))
	assert.True(t, IsConflict(c))
	assert.True(t, IsDependency(d))
	assert.False(t, IsDependency(v))
	assert.Contains(t, v.Error(), `invalid address "xyz": bad checksum`)
}

func TestDependencyDoesNotDoubleWrap(t *testing.T) {
	inner := Dependency("redis", errors.New("timeout"))
	outer := Dependency("clickhouse", inner)
	var d *DependencyError
	assert.True(t, errors.As(outer, &d))
	assert.Equal(t, "redis", d.Dependency)
	assert.Nil(t, Dependency("x", nil))
}
