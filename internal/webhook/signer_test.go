package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	body := []byte(`{"id":"d1","event":"message.received","timestamp":1700000000000,"data":{}}`)
	sig := Sign(body, "whsec_123")

	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign(body, "whsec_123"))
	assert.True(t, Verify(body, "whsec_123", sig))

	assert.False(t, Verify(body, "other-secret", sig))
	assert.False(t, Verify(append(body, ' '), "whsec_123", sig))
	assert.False(t, Verify(body, "whsec_123", "not-hex"))
}
