package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrNotAMember, "probing group abc123")

	assert.True(t, IsNotAMember(err))
	assert.False(t, IsGroupNotFound(err))
	assert.Contains(t, err.Error(), "probing group abc123")
}

func TestWrapIOPreservesSentinel(t *testing.T) {
	cause := New("tls handshake failed")
	err := WrapIO(cause, "fetching history page")

	assert.True(t, Is(err, ErrIO))
	assert.Contains(t, err.Error(), "fetching history page")
	assert.Contains(t, err.Error(), "tls handshake failed")
}

func TestIsApplyFailure(t *testing.T) {
	assert.False(t, IsApplyFailure(nil))
	assert.False(t, IsApplyFailure(New("unrelated")))
	assert.True(t, IsApplyFailure(Wrapf(ErrApplyFailed, "revision %d", 7)))
}
