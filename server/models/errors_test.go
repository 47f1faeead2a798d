package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	cause := errors.New("decode: unknown format")
	err := Wrap(ErrInvalidImage, cause)

	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.NotErrorIs(t, err, ErrInferenceFailure)
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("pipeline: %w", err)
	assert.ErrorIs(t, wrapped, ErrInvalidImage)
	assert.Equal(t, KindInvalidImage, KindOf(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestErrorMessage(t *testing.T) {
	err := NewError(KindNotFound, "file not found", nil)
	assert.Equal(t, "NOT_FOUND: file not found", err.Error())

	err = Wrap(ErrStorageFailure, errors.New("disk full"))
	assert.Equal(t, "STORAGE_FAILURE: failed to store artifacts: disk full", err.Error())
}
