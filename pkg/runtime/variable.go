package runtime

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// VariableType tags the encoded payload of a Variable.
type VariableType string

const (
	VariableTypeNull    VariableType = "null"
	VariableTypeInteger VariableType = "integer"
	VariableTypeLong    VariableType = "long"
	VariableTypeBoolean VariableType = "boolean"
	VariableTypeDouble  VariableType = "double"
	VariableTypeFloat   VariableType = "float"
	VariableTypeString  VariableType = "string"
	VariableTypeList    VariableType = "list"
	VariableTypeMap     VariableType = "map"
)

// Variable is a single key/value pair persisted at a scope level of a
// process instance. Keys are unique per ExecutionId; resolution across a
// scope chain takes the innermost definition scope that defines the key.
type Variable struct {
	Key int64 `json:"key"`
	// ProcessKey is the owning process instance.
	ProcessKey int64 `json:"processKey"`
	// ExecutionKey is the activity execution (or the process itself) that
	// owns the variable record.
	ExecutionKey int64 `json:"executionKey"`
	// ExecutionDefinitionId is the definition-scope level the variable was
	// written at; it is what scope resolution matches against.
	ExecutionDefinitionId string       `json:"executionDefinitionId"`
	Name                  string       `json:"name"`
	Value                 string       `json:"value"`
	Type                  VariableType `json:"type"`
}

// Decode returns the native Go value of the variable payload.
func (v Variable) Decode() (any, error) {
	switch v.Type {
	case VariableTypeNull:
		return nil, nil
	case VariableTypeInteger, VariableTypeLong:
		return strconv.ParseInt(v.Value, 10, 64)
	case VariableTypeBoolean:
		return strconv.ParseBool(v.Value)
	case VariableTypeDouble, VariableTypeFloat:
		return strconv.ParseFloat(v.Value, 64)
	case VariableTypeString:
		return v.Value, nil
	case VariableTypeList:
		var out []any
		err := json.Unmarshal([]byte(v.Value), &out)
		return out, err
	case VariableTypeMap:
		var out map[string]any
		err := json.Unmarshal([]byte(v.Value), &out)
		return out, err
	}
	return nil, fmt.Errorf("unknown variable type %q", v.Type)
}

// EncodeValue converts a native Go value into its string payload and type tag.
func EncodeValue(value any) (string, VariableType, error) {
	switch v := value.(type) {
	case nil:
		return "", VariableTypeNull, nil
	case bool:
		return strconv.FormatBool(v), VariableTypeBoolean, nil
	case int:
		return strconv.FormatInt(int64(v), 10), VariableTypeLong, nil
	case int32:
		return strconv.FormatInt(int64(v), 10), VariableTypeInteger, nil
	case int64:
		return strconv.FormatInt(v, 10), VariableTypeLong, nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), VariableTypeFloat, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), VariableTypeDouble, nil
	case string:
		return v, VariableTypeString, nil
	case []any:
		data, err := json.Marshal(v)
		return string(data), VariableTypeList, err
	case map[string]any:
		data, err := json.Marshal(v)
		return string(data), VariableTypeMap, err
	}
	// anything else round-trips through JSON and keeps its container type
	data, err := json.Marshal(value)
	if err != nil {
		return "", "", fmt.Errorf("unsupported variable value %T: %w", value, err)
	}
	if len(data) > 0 && data[0] == '[' {
		return string(data), VariableTypeList, nil
	}
	return string(data), VariableTypeMap, nil
}
