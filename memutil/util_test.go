package memutil_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/substrate-rt/substrate/memutil"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutil.CheckPow2(uint(1), "alignment"))
	require.NoError(t, memutil.CheckPow2(uint(2), "alignment"))
	require.NoError(t, memutil.CheckPow2(uint(4096), "alignment"))

	require.Error(t, memutil.CheckPow2(uint(0), "alignment"))
	require.Error(t, memutil.CheckPow2(uint(3), "alignment"))
	require.Error(t, memutil.CheckPow2(uint(4097), "alignment"))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutil.AlignUp(0, 16))
	require.Equal(t, 16, memutil.AlignUp(1, 16))
	require.Equal(t, 16, memutil.AlignUp(16, 16))
	require.Equal(t, 32, memutil.AlignUp(17, 16))
	require.Equal(t, 100, memutil.AlignUp(100, 1))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutil.AlignDown(0, 16))
	require.Equal(t, 0, memutil.AlignDown(15, 16))
	require.Equal(t, 16, memutil.AlignDown(16, 16))
	require.Equal(t, 16, memutil.AlignDown(31, 16))
}

func TestZeroSizePtrIsStable(t *testing.T) {
	require.NotNil(t, memutil.ZeroSizePtr())
	require.Equal(t, memutil.ZeroSizePtr(), memutil.ZeroSizePtr())
}

func TestStatisticsClear(t *testing.T) {
	var stats memutil.DetailedStatistics
	stats.Clear()

	require.Equal(t, 0, stats.BlockCount)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0, stats.UnusedRangeCount)
	require.Greater(t, stats.AllocationSizeMin, stats.AllocationSizeMax)
}

func TestStatisticsAggregation(t *testing.T) {
	var stats memutil.DetailedStatistics
	stats.Clear()

	stats.AddAllocation(100)
	stats.AddAllocation(300)
	stats.AddUnusedRange(50)

	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 400, stats.AllocationBytes)
	require.Equal(t, 100, stats.AllocationSizeMin)
	require.Equal(t, 300, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 50, stats.UnusedRangeSizeMin)

	var other memutil.DetailedStatistics
	other.Clear()
	other.AddAllocation(10)

	stats.AddDetailedStatistics(&other)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 10, stats.AllocationSizeMin)
}
