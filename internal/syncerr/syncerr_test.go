package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("sync a/b: %w", Transfer("scp", "a/b", base))

	assert.Equal(t, KindTransfer, KindOf(err))
	assert.True(t, errors.Is(err, ErrTransfer))
	assert.False(t, errors.Is(err, ErrConnection))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, KindUnknown, KindOf(base))
}

func TestNewNil(t *testing.T) {
	assert.NoError(t, New(KindCommand, "mkdir", "/x", nil))
}

func TestIsConnection(t *testing.T) {
	err := Connection("ssh", "alice@host", errors.New("exit status 255"))
	assert.True(t, IsConnection(err))
	assert.Equal(t, "ssh alice@host: exit status 255", err.Error())
	assert.False(t, IsConnection(LocalIO("open", "/tmp/x", errors.New("denied"))))
}
