// Package json routes every encode/decode in the relay through jsoniter.
package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage is a raw encoded JSON value.
type RawMessage = stdjson.RawMessage

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	Marshal    = JSON.Marshal
	Unmarshal  = JSON.Unmarshal
	NewDecoder = JSON.NewDecoder
	NewEncoder = JSON.NewEncoder
)

// Raw marshals v, passing already-encoded values through untouched.
func Raw(v interface{}) (RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return RawMessage("null"), nil
	case RawMessage:
		return t, nil
	case []byte:
		if JSON.Valid(t) {
			return RawMessage(t), nil
		}
	}
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(b), nil
}
