package correlation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOnce(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.RecordSent("x", "BootNotification"))

	action, ok := table.Resolve("x")
	assert.True(t, ok)
	assert.Equal(t, "BootNotification", action)

	action, ok = table.Resolve("x")
	assert.False(t, ok)
	assert.Equal(t, UnknownAction, action)
}

func TestResolveUnknown(t *testing.T) {
	table := NewTable()
	action, ok := table.Resolve("never-sent")
	assert.False(t, ok)
	assert.Equal(t, UnknownAction, action)
}

func TestDuplicateID(t *testing.T) {
	for _, capacity := range []int{0, 4} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			table := NewTable(WithCapacity(capacity))
			require.NoError(t, table.RecordSent("dup", "Heartbeat"))
			err := table.RecordSent("dup", "Authorize")
			require.ErrorIs(t, err, ErrDuplicateID)

			action, _ := table.Resolve("dup")
			assert.Equal(t, "Heartbeat", action)
		})
	}
}

func TestForget(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.RecordSent("a", "Heartbeat"))
	table.Forget("a")
	assert.Equal(t, 0, table.Len())
	_, ok := table.Resolve("a")
	assert.False(t, ok)
}

func TestCapacityEvictsOldest(t *testing.T) {
	var evicted []Record
	table := NewTable(WithCapacity(2), WithEvictHook(func(r Record) {
		evicted = append(evicted, r)
	}))

	require.NoError(t, table.RecordSent("1", "A"))
	require.NoError(t, table.RecordSent("2", "B"))
	require.NoError(t, table.RecordSent("3", "C"))

	require.Len(t, evicted, 1)
	assert.Equal(t, "1", evicted[0].ID)
	assert.Equal(t, 2, table.Len())

	action, ok := table.Resolve("1")
	assert.False(t, ok)
	assert.Equal(t, UnknownAction, action)

	// resolving is not an eviction
	action, ok = table.Resolve("2")
	assert.True(t, ok)
	assert.Equal(t, "B", action)
	assert.Len(t, evicted, 1)
}

func TestSnapshotOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	table := NewTable(WithNow(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	require.NoError(t, table.RecordSent("first", "A"))
	require.NoError(t, table.RecordSent("second", "B"))

	snap := table.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "first", snap[0].ID)
	assert.Equal(t, "second", snap[1].ID)
}
