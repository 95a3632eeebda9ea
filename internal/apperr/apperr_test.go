package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(Validation("send", "text or image required")))
	assert.Equal(t, KindBusy, KindOf(fmt.Errorf("wrapped: %w", Busy("call", "user is busy"))))
	assert.Equal(t, KindStorage, KindOf(errors.New("boom")))
	assert.True(t, Is(NotFound("send", "recipient not found"), KindNotFound))
	assert.False(t, Is(nil, KindNotFound))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "recipient not found", Message(NotFound("send", "recipient not found")))
	assert.Equal(t, "storage failure", Message(Storage("send", errors.New("pq: connection refused"))))
	assert.Equal(t, "internal error", Message(errors.New("raw")))

	cause := errors.New("token expired")
	err := Authentication("connect", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "token expired", Message(err))
}
