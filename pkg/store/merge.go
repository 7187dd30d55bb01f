package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/models"
)

// merge applies patch onto current one top-level field at a time. Fields
// present in patch overwrite, absent fields keep their current value. Nested
// objects are replaced, not merged.
func merge[T any, P models.EntityPtr[T]](current T, patch json.RawMessage) (T, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return current, fmt.Errorf("%w: %w", constants.ErrInvalidResponse, err)
	}

	want := P(&current).GetTypename()
	if raw, ok := fields["__typename"]; ok {
		var typename models.Typename
		if err := json.Unmarshal(raw, &typename); err != nil {
			return current, fmt.Errorf("%w: __typename: %w", constants.ErrInvalidResponse, err)
		}
		if typename != "" && typename != want {
			return current, fmt.Errorf("%w: %s payload for %s", constants.ErrUnknownTypename, typename, want)
		}
	}
	if raw, ok := fields["id"]; ok && (string(raw) == `""` || string(raw) == "null") {
		delete(fields, "id")
	}

	base, err := json.Marshal(current)
	if err != nil {
		return current, err
	}
	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(base, &merged); err != nil {
		return current, err
	}
	for k, v := range fields {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return current, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return current, fmt.Errorf("%w: %w", constants.ErrInvalidResponse, err)
	}
	models.Stamp[T, P](&out)
	return out, nil
}

// clone deep-copies v through its JSON form.
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// fields returns the top-level JSON members of v.
func fields(v any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// changedFields returns the members whose encoding differs between from and
// to, with their value in to. A member absent from to maps to nil.
func changedFields(from, to map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for k, v := range to {
		if !bytes.Equal(from[k], v) {
			out[k] = v
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			out[k] = nil
		}
	}
	return out
}

// patch writes changes onto current, deleting members mapped to nil. When
// keep is set, a member is only written if keep accepts its current encoding.
func patch[T any, P models.EntityPtr[T]](current T, changes map[string]json.RawMessage, keep func(key string, cur json.RawMessage) bool) (T, error) {
	if len(changes) == 0 {
		return current, nil
	}
	cur, err := fields(current)
	if err != nil {
		return current, err
	}
	for k, v := range changes {
		if keep != nil && !keep(k, cur[k]) {
			continue
		}
		if v == nil {
			delete(cur, k)
			continue
		}
		cur[k] = v
	}

	data, err := json.Marshal(cur)
	if err != nil {
		return current, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return current, err
	}
	models.Stamp[T, P](&out)
	return out, nil
}

type idHeader struct {
	ID string `json:"id"`
}

// payloadID reads only the id of a raw payload.
func payloadID(raw json.RawMessage) string {
	var head idHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.ID
}
