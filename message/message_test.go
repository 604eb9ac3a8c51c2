package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeString(t *testing.T) {
	assert.Equal(t, "success", CodeSuccess.String())
	assert.Equal(t, "rate_limited", CodeRateLimited.String())
	assert.Equal(t, "unknown", Code(99).String())
}

func TestFailed(t *testing.T) {
	msg := Failed("Arith.Add", CodeNotFound, "no such service")
	assert.Equal(t, "Arith.Add", msg.ServiceMethod)
	assert.Equal(t, CodeNotFound, msg.Code)
	assert.Equal(t, "no such service", msg.Error)
	assert.Empty(t, msg.Payload)
}
