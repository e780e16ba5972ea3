package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))

	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad payload", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, IsPermanent(wrapped))
}

func TestIncomingMessage_Decode(t *testing.T) {
	var out struct {
		System string `json:"system"`
	}

	msg := &IncomingMessage{Value: []byte(`{"system":"github"}`)}
	require.NoError(t, msg.Decode(&out))
	assert.Equal(t, "github", out.System)

	bad := &IncomingMessage{Value: []byte(`{"system":`)}
	err := bad.Decode(&out)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
