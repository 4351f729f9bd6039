package schedule

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobDataMap_PutReportsChange(t *testing.T) {
	var d JobDataMap

	assert.True(t, d.Put("count", 1))
	assert.False(t, d.Put("count", 1), "same value is not a change")
	assert.True(t, d.Put("count", 2))
	assert.Equal(t, uint64(2), d.Version())

	assert.True(t, d.Remove("count"))
	assert.False(t, d.Remove("count"))
	assert.Equal(t, uint64(3), d.Version())
	assert.Zero(t, d.Len())
}

func TestJobDataMap_CopyOnWrite(t *testing.T) {
	original := NewJobDataMap(map[string]any{"a": "1"})
	snapshot := original

	original.Put("a", "2")
	original.Put("b", "3")

	v, _ := snapshot.GetString("a")
	assert.Equal(t, "1", v, "copies do not see later writes")
	assert.Equal(t, 1, snapshot.Len())
	assert.Zero(t, snapshot.Version())

	src := map[string]any{"x": 1}
	d := NewJobDataMap(src)
	src["x"] = 2
	n, _ := d.GetInt("x")
	assert.Equal(t, int64(1), n, "constructor copies its input")
}

func TestJobDataMap_Merge(t *testing.T) {
	job := NewJobDataMap(map[string]any{"a": 1, "b": 1})
	trigger := NewJobDataMap(map[string]any{"b": 2, "c": 2})

	merged := job.Merge(trigger)
	assert.Equal(t, []string{"a", "b", "c"}, merged.Keys())
	b, _ := merged.GetInt("b")
	assert.Equal(t, int64(2), b, "trigger data wins")

	merged.Put("a", 99)
	a, _ := job.GetInt("a")
	assert.Equal(t, int64(1), a)
}

func TestJobDataMap_JSON(t *testing.T) {
	d := NewJobDataMap(map[string]any{"count": 42, "name": "report", "enabled": true})

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded JobDataMap
	require.NoError(t, json.Unmarshal(data, &decoded))

	n, ok := decoded.GetInt("count")
	require.True(t, ok)
	assert.Equal(t, int64(42), n, "integers survive the round trip")

	s, _ := decoded.GetString("name")
	assert.Equal(t, "report", s)
	b, _ := decoded.GetBool("enabled")
	assert.True(t, b)

	empty, err := json.Marshal(JobDataMap{})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(empty))
}

func TestJobDataMap_Equal(t *testing.T) {
	a := NewJobDataMap(map[string]any{"k": "v"})
	b := NewJobDataMap(map[string]any{"k": "v"})
	assert.True(t, a.Equal(b))

	b.Put("k", "w")
	assert.False(t, a.Equal(b))
	assert.True(t, JobDataMap{}.Equal(NewJobDataMap(nil)))

	data, err := json.Marshal(NewJobDataMap(map[string]any{"count": int64(42)}))
	require.NoError(t, err)
	var decoded JobDataMap
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(NewJobDataMap(map[string]any{"count": int64(42)})),
		"a map read back from JSON equals the original")
}
