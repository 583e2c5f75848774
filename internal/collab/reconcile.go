package collab

import (
	"bytes"
	"encoding/json"
	"reflect"

	"collab-sync-server/pkg/protocol"
)

// applyRemoteChange merges one field received from the room into the
// edit buffer. Callers hold s.mu.
func (s *Session) applyRemoteChange(field string, value any) {
	if s.reconcileRelation(field, value) {
		return
	}
	if current, ok := s.edits[field]; ok && valuesEqual(current, value) {
		return
	}
	s.edits[field] = value
}

// reconcileRelation handles many-to-one fields. When the incoming value
// points at the same related item as the baseline, the nested object
// becomes the baseline and the field stops being a pending edit.
func (s *Session) reconcileRelation(field string, value any) bool {
	if s.relations == nil {
		return false
	}
	primaryKey, ok := s.relations.ManyToOne(s.collection, field)
	if !ok {
		return false
	}
	baseline, ok := s.initialValues[field]
	if !ok {
		return false
	}
	if !valuesEqual(primaryKeyOf(value, primaryKey), primaryKeyOf(baseline, primaryKey)) {
		return false
	}

	s.initialValues[field] = cloneValue(value)
	delete(s.edits, field)
	return true
}

// dropSavedEdits removes every edit the saved item already contains.
func (s *Session) dropSavedEdits(item map[string]any) {
	for field, saved := range item {
		if current, ok := s.edits[field]; ok && valuesEqual(current, saved) {
			delete(s.edits, field)
		}
	}
}

func discardFields(edits map[string]any, fields []string) {
	for _, field := range fields {
		if field == protocol.Wildcard {
			clear(edits)
			return
		}
	}
	for _, field := range fields {
		delete(edits, field)
	}
}

func primaryKeyOf(value any, primaryKey string) any {
	if related, ok := value.(map[string]any); ok {
		return related[primaryKey]
	}
	return value
}

// valuesEqual compares JSON-shaped values by their encoding, so that an
// int set locally equals the float64 decoded from the wire.
func valuesEqual(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(left, right)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}

// mergeMaps layers top over base into a new map.
func mergeMaps(base, top map[string]any) map[string]any {
	out := cloneMap(base)
	for k, v := range top {
		out[k] = cloneValue(v)
	}
	return out
}
