package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()

	assert.NotEqual(t, a, b)

	parsed, err := uuid.Parse(a)
	assert.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}
