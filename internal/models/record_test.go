package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_Accessors(t *testing.T) {
	r := Record{
		FieldID:      "123",
		FieldSynced:  true,
		FieldDeleted: false,
		"name":       "Test",
	}

	assert.Equal(t, "123", r.ID())
	assert.True(t, r.Synced())
	assert.False(t, r.Deleted())

	assert.Equal(t, "", Record{"id": 42}.ID())
}

func TestRecord_TimeRoundTrip(t *testing.T) {
	r := Record{}
	now := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

	r.SetTime(FieldUpdatedAt, now)
	got, ok := r.Time(FieldUpdatedAt)
	require.True(t, ok)
	assert.True(t, got.Equal(now))

	// second-precision timestamps from older clients still parse
	r[FieldCreatedAt] = "2024-01-02T10:00:00Z"
	got, ok = r.Time(FieldCreatedAt)
	require.True(t, ok)
	assert.Equal(t, 2024, got.Year())

	_, ok = r.Time("missing")
	assert.False(t, ok)
}

func TestRecord_LastTouched(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	r := Record{}
	assert.True(t, r.LastTouched().IsZero())

	r.SetTime(FieldCreatedAt, created)
	assert.True(t, r.LastTouched().Equal(created))

	r.SetTime(FieldUpdatedAt, updated)
	assert.True(t, r.LastTouched().Equal(updated))
}

func TestRecord_Clone_DeepCopies(t *testing.T) {
	r := Record{
		FieldID: "1",
		"address": map[string]any{
			"street": "Main",
		},
		"tags": []any{"a", "b"},
	}

	c := r.Clone()
	c["address"].(map[string]any)["street"] = "Other"
	c["tags"].([]any)[0] = "z"

	assert.Equal(t, "Main", r["address"].(map[string]any)["street"])
	assert.Equal(t, "a", r["tags"].([]any)[0])
}

func TestMergeResolve_ServerFieldsWin(t *testing.T) {
	local := Record{FieldID: "123", "name": "Local", "age": float64(30)}
	server := Record{FieldID: "123", "name": "Server", "age": float64(30), "address": "X"}
	now := time.Now()

	merged := MergeResolve(local, server, now)

	assert.Equal(t, "Server", merged["name"])
	assert.Equal(t, float64(30), merged["age"])
	assert.Equal(t, "X", merged["address"])
	assert.True(t, merged.Synced())
	assert.True(t, merged.Bool(FieldConflictResolved))
	_, ok := merged.Time(FieldConflictResolvedAt)
	assert.True(t, ok)

	// inputs untouched
	assert.Equal(t, "Local", local["name"])
	_, hasAddr := local["address"]
	assert.False(t, hasAddr)
}

func TestMergeResolve_Idempotent(t *testing.T) {
	local := Record{FieldID: "1", "a": "l", "b": "l"}
	server := Record{FieldID: "1", "a": "s"}
	now := time.Now()

	first := MergeResolve(local, server, now)
	second := MergeResolve(local, server, now.Add(time.Hour))

	delete(first, FieldConflictResolvedAt)
	delete(second, FieldConflictResolvedAt)
	assert.Equal(t, first, second)
}

func TestMutationEntry_Due(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	e := &MutationEntry{ID: "e1", Payload: Record{FieldID: "1"}}
	assert.True(t, e.Due(now))

	e.NextAttemptAt = &later
	assert.False(t, e.Due(now))
	assert.True(t, e.Due(later))

	e.NextAttemptAt = nil
	e.Failed = true
	assert.False(t, e.Due(now))
}
