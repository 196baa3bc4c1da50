package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("ENTITYX_TEST_INT", "12")
	t.Setenv("ENTITYX_TEST_BAD_INT", "-3")
	t.Setenv("ENTITYX_TEST_DUR", "90s")
	t.Setenv("ENTITYX_TEST_BOOL", "true")
	t.Setenv("ENTITYX_TEST_LIST", "a, b,,c ")
	t.Setenv("ENTITYX_TEST_FLOAT", "0.25")

	assert.Equal(t, "fallback", Env("ENTITYX_TEST_MISSING", "fallback"))
	assert.Equal(t, 12, EnvInt("ENTITYX_TEST_INT", 1))
	assert.Equal(t, 1, EnvInt("ENTITYX_TEST_BAD_INT", 1))
	assert.Equal(t, int64(12), EnvInt64("ENTITYX_TEST_INT", 1))
	assert.Equal(t, 90*time.Second, EnvDuration("ENTITYX_TEST_DUR", time.Second))
	assert.True(t, EnvBool("ENTITYX_TEST_BOOL", false))
	assert.Equal(t, []string{"a", "b", "c"}, EnvList("ENTITYX_TEST_LIST", nil))
	assert.InDelta(t, 0.25, EnvFloat("ENTITYX_TEST_FLOAT", 0), 1e-9)
}

func TestSortedUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedUnique([]string{"c", "a", " b", "a", ""}))
	assert.Equal(t, []string{"c", "a", "b"}, Dedup([]string{"c", "a", "b", "c"}))
}
