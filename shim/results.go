package shim

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// emptyResult is the success payload for mutations, commits and rollbacks.
var emptyResult = []byte("{}")

// errorOutcome is the wire shape for every caller-visible failure.
type errorOutcome struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"errorCode"`
}

func errorPayload(message string) []byte {
	payload, err := json.Marshal(errorOutcome{Error: message, ErrorCode: 0})
	if err != nil {
		return []byte(`{"error":"Internal Error","errorCode":0}`)
	}
	return payload
}

// resultSet is the payload for a read statement. rowsAffected is always 0
// for reads.
type resultSet struct {
	RowsAffected int          `json:"rowsAffected"`
	Rows         []orderedRow `json:"rows"`
}

type rowField struct {
	Name  string
	Value interface{}
}

// orderedRow is one result row as a column-name to value object. It
// marshals its fields in column order, which encoding/json's map type would
// not preserve.
type orderedRow []rowField

func (r orderedRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalizeValue converts a scanned column value into a JSON-friendly one.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return v
	}
}

// parseBinds decodes the raw JSON bind array into positional arguments for
// the SQLite driver. The bind mechanism is string-typed: null entries stay
// NULL and every other scalar is converted to its canonical string form.
func parseBinds(raw string) ([]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var values []interface{}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		if v == nil {
			args[i] = nil
			continue
		}
		args[i] = bindString(v)
	}
	return args, nil
}

func bindString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
