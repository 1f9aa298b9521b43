package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("connector: %w", Transport("read", io.EOF))
	assert.True(t, IsTransport(wrapped))
	assert.False(t, IsAuth(wrapped))
	assert.True(t, errors.Is(wrapped, io.EOF))

	assert.True(t, IsAuth(Auth("login rejected", nil)))
	assert.True(t, IsProtocol(fmt.Errorf("x: %w", Protocol("crossed book", nil))))

	rl, ok := AsRateLimit(fmt.Errorf("fetch: %w", &RateLimitError{RetryAfter: 2 * time.Second, Status: 429}))
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, rl.RetryAfter)

	ex := &ExhaustedRetriesError{Attempts: 10, Last: Transport("dial", io.ErrUnexpectedEOF)}
	assert.True(t, IsExhausted(ex))
	assert.True(t, IsTransport(ex))
	assert.Contains(t, ex.Error(), "10 attempt")
}

func TestTransport_Nil(t *testing.T) {
	assert.NoError(t, Transport("noop", nil))
}
