package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvus-io/milvus/internal/util/paramtable"
)

func newTestStore(t *testing.T) (*paramtable.BaseTable, *ParamTableConfigStore) {
	t.Helper()
	base := paramtable.NewBaseTable()
	return base, NewParamTableConfigStore(base)
}

func TestNewConfig_RouteAndRun(t *testing.T) {
	base, store := newTestStore(t)
	require.NoError(t, base.Save("compactionService.default.planner", "DefaultPlanner"))
	require.NoError(t, base.Save("compactionService.default.planner.opts.executors", "[{name:e1,numThreads:2}]"))

	cfg, err := NewConfig(store)
	require.NoError(t, err)
	assert.Equal(t, "DefaultPlanner", cfg.Planners[DefaultServiceName])
	assert.Equal(t, "[{name:e1,numThreads:2}]", cfg.Options[DefaultServiceName]["executors"])
	assert.Equal(t, NoRateLimit, cfg.DefaultRateLimit)
}

func TestNewConfig_RateLimit(t *testing.T) {
	base, store := newTestStore(t)
	require.NoError(t, base.Save("compactionService.default.planner", "DefaultPlanner"))
	require.NoError(t, base.Save("compactionService.default.rate.limit", "4096"))

	cfg, err := NewConfig(store)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), cfg.RateLimits[DefaultServiceName])
}

func TestNewConfig_MalformedShape(t *testing.T) {
	base, store := newTestStore(t)
	require.NoError(t, base.Save("compactionService.default.bogus.thing", "x"))

	_, err := NewConfig(store)
	assert.ErrorIs(t, err, ErrConfigMalformed)
}

func TestNewConfig_OptionsWithoutPlannerFails(t *testing.T) {
	base, store := newTestStore(t)
	require.NoError(t, base.Save("compactionService.custom.planner.opts.foo", "bar"))

	_, err := NewConfig(store)
	assert.ErrorIs(t, err, ErrConfigMalformed)
}

func TestNewConfig_DeprecatedOnlyDefault(t *testing.T) {
	base, store := newTestStore(t)
	require.NoError(t, base.Save(deprecatedMaxConcurrentProp, "4"))

	cfg, err := NewConfig(store)
	require.NoError(t, err)
	assert.Equal(t, defaultPlannerClass, cfg.Planners[DefaultServiceName])
	assert.Equal(t, "[{name:'deprecated', numThreads:4}]", cfg.Options[DefaultServiceName]["executors"])
}

func TestNewConfig_DeprecatedWithExplicitDefaultPrefersExplicit(t *testing.T) {
	base, store := newTestStore(t)
	require.NoError(t, base.Save(deprecatedMaxConcurrentProp, "4"))
	require.NoError(t, base.Save("compactionService.default.planner", "ExplicitPlanner"))

	cfg, err := NewConfig(store)
	require.NoError(t, err)
	assert.Equal(t, "ExplicitPlanner", cfg.Planners[DefaultServiceName])
	_, hasSynthesized := cfg.Options[DefaultServiceName]["executors"]
	assert.False(t, hasSynthesized)
}

func TestNewConfig_DeprecatedGlobalThroughputSetsDefaultRateLimit(t *testing.T) {
	base, store := newTestStore(t)
	require.NoError(t, base.Save(deprecatedGlobalThroughputProp, "100000"))

	cfg, err := NewConfig(store)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimit)
}

func TestConfig_EqualIgnoresDefaultRateLimit(t *testing.T) {
	base1, store1 := newTestStore(t)
	require.NoError(t, base1.Save("compactionService.default.planner", "DefaultPlanner"))
	require.NoError(t, base1.Save(deprecatedGlobalThroughputProp, "1"))
	cfg1, err := NewConfig(store1)
	require.NoError(t, err)

	base2, store2 := newTestStore(t)
	require.NoError(t, base2.Save("compactionService.default.planner", "DefaultPlanner"))
	require.NoError(t, base2.Save(deprecatedGlobalThroughputProp, "2"))
	cfg2, err := NewConfig(store2)
	require.NoError(t, err)

	assert.True(t, cfg1.Equal(cfg2))
}

func TestConfig_EqualDetectsDifferentProperties(t *testing.T) {
	base1, store1 := newTestStore(t)
	require.NoError(t, base1.Save("compactionService.default.planner", "DefaultPlanner"))
	cfg1, err := NewConfig(store1)
	require.NoError(t, err)

	base2, store2 := newTestStore(t)
	require.NoError(t, base2.Save("compactionService.default.planner", "OtherPlanner"))
	cfg2, err := NewConfig(store2)
	require.NoError(t, err)

	assert.False(t, cfg1.Equal(cfg2))
}

func TestNewConfig_BuildingTwiceFromIdenticalPropertiesIsEqual(t *testing.T) {
	base1, store1 := newTestStore(t)
	require.NoError(t, base1.Save("compactionService.default.planner", "DefaultPlanner"))
	require.NoError(t, base1.Save("compactionService.heavy.planner", "HeavyPlanner"))
	require.NoError(t, base1.Save("compactionService.heavy.rate.limit", "10"))

	cfg1, err := NewConfig(store1)
	require.NoError(t, err)
	cfg2, err := NewConfig(store1)
	require.NoError(t, err)

	assert.True(t, cfg1.Equal(cfg2))
}
