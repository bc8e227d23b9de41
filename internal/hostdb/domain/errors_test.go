package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveError(t *testing.T) {
	cause := errors.New("servfail")
	err := NewResolveError(ErrResolveTransient, cause)

	assert.ErrorIs(t, err, ErrResolveTransient)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "transient resolve failure: servfail", err.Error())

	perm := NewResolveError(ErrResolvePermanent, nil)
	assert.False(t, IsRetryable(perm))
	assert.Equal(t, ErrResolvePermanent.Error(), perm.Error())
	assert.False(t, IsRetryable(NewResolveError(ErrResolveTimeout, nil)))
}
