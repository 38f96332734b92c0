package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Event string     `json:"event"`
	Data  RawMessage `json:"data"`
}

func TestMarshalUnmarshal(t *testing.T) {
	in := envelope{Event: "message.received", Data: RawMessage(`{"id":"m1"}`)}

	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"message.received","data":{"id":"m1"}}`, string(data))

	var out envelope
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.Event, out.Event)
	assert.JSONEq(t, `{"id":"m1"}`, string(out.Data))

	assert.Error(t, Unmarshal([]byte(`{"invalid`), &out))
}

func TestRaw(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, `null`},
		{"map", map[string]string{"orgId": "o1"}, `{"orgId":"o1"}`},
		{"raw passthrough", RawMessage(`{"a":1}`), `{"a":1}`},
		{"valid bytes", []byte(`[1,2]`), `[1,2]`},
		{"non-json bytes are encoded", []byte("hi"), `"aGk="`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Raw(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}

	_, err := Raw(make(chan int))
	assert.Error(t, err)
}
