package controller

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xtxerr/policysync/internal/snapshot"
)

// entity is one decoded list item.
type entity struct {
	id    string
	state snapshot.StateRecord
}

// listEnvelope is the wrapped list form: {"data": [...]}.
type listEnvelope struct {
	Data []map[string]any `json:"data"`
}

// Reserved keys are lifted out of the attribute map.
const (
	fieldID      = "_id"
	fieldAltID   = "id"
	fieldName    = "name"
	fieldEnabled = "enabled"
)

// decodeList accepts either a bare JSON array or the {"data": [...]}
// envelope. Numbers decode as float64.
func decodeList(body []byte) ([]entity, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	var items []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
	} else {
		var env listEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		items = env.Data
	}

	out := make([]entity, 0, len(items))
	for i, item := range items {
		e, err := decodeEntity(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEntity(item map[string]any) (entity, error) {
	id, _ := item[fieldID].(string)
	if id == "" {
		id, _ = item[fieldAltID].(string)
	}
	if id == "" {
		return entity{}, fmt.Errorf("missing id")
	}

	name, _ := item[fieldName].(string)

	// Entities without an enabled flag (devices, zones) are always active
	enabled := true
	if v, ok := item[fieldEnabled]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return entity{}, fmt.Errorf("%s: enabled is %T, want bool", id, v)
		}
		enabled = b
	}

	attrs := make(map[string]any, len(item))
	for k, v := range item {
		switch k {
		case fieldID, fieldAltID, fieldName, fieldEnabled:
			continue
		}
		attrs[k] = v
	}

	return entity{
		id:    id,
		state: snapshot.NewState(enabled, name, attrs),
	}, nil
}
