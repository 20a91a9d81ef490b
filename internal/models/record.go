// Package models defines the data shapes owned by the offline core: dynamic
// records, outbox mutation entries, backup snapshots and quota statistics.
package models

import "time"

// Well-known record fields. Fields with a leading underscore are internal
// markers maintained by the core and are skipped by sanitization.
const (
	FieldID                 = "id"
	FieldCreatedAt          = "createdAt"
	FieldUpdatedAt          = "updatedAt"
	FieldDeletedAt          = "deletedAt"
	FieldServerID           = "serverId"
	FieldServerUpdatedAt    = "serverUpdatedAt"
	FieldSynced             = "_synced"
	FieldDeleted            = "_deleted"
	FieldConflictResolved   = "_conflictResolved"
	FieldConflictResolvedAt = "_conflictResolvedAt"
)

// TimeLayout is the wire format for record timestamps.
const TimeLayout = time.RFC3339Nano

// Record is a schema-described generic item: field name to value, where
// values are JSON primitives, arrays or nested objects. A Record must carry a
// unique id within its collection.
type Record map[string]any

// ID returns the record id, or "" when missing or not a string.
func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

// Bool reads a boolean field, tolerating absence.
func (r Record) Bool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

// Synced reports whether the record has been acknowledged by the remote.
func (r Record) Synced() bool { return r.Bool(FieldSynced) }

// Deleted reports whether the record is soft-deleted.
func (r Record) Deleted() bool { return r.Bool(FieldDeleted) }

// Time parses a timestamp field. The second result is false when the field
// is absent or malformed.
func (r Record) Time(key string) (time.Time, bool) {
	s, ok := r[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Tolerate second-precision timestamps written by older versions.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// SetTime stores a timestamp field in the wire format.
func (r Record) SetTime(key string, t time.Time) {
	r[key] = t.UTC().Format(TimeLayout)
}

// LastTouched returns updatedAt when present, otherwise createdAt,
// otherwise the zero time.
func (r Record) LastTouched() time.Time {
	if t, ok := r.Time(FieldUpdatedAt); ok {
		return t
	}
	if t, ok := r.Time(FieldCreatedAt); ok {
		return t
	}
	return time.Time{}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = cloneValue(item)
		}
		return out
	case Record:
		return map[string]any(value.Clone())
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// MergeResolve merges a local and a server version of the same record,
// letting server field values take precedence for overlapping fields. The
// result is marked synced and conflict-resolved with the given timestamp.
// Applied twice to the same pair it yields the same result except for the
// resolution timestamp.
func MergeResolve(local, server Record, now time.Time) Record {
	merged := local.Clone()
	if merged == nil {
		merged = Record{}
	}
	for k, v := range server {
		merged[k] = cloneValue(v)
	}
	merged[FieldSynced] = true
	merged[FieldConflictResolved] = true
	merged.SetTime(FieldConflictResolvedAt, now)
	return merged
}
