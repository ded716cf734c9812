package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops-platform/pkg/errors"
)

type inner struct {
	Key string `json:"key" validate:"required"`
}

type payload struct {
	Name   string `json:"name" validate:"required"`
	Object inner  `json:"object"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(&payload{Name: "n", Object: inner{Key: "k"}}))

	err := Struct(&payload{Name: "n"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
	var ve *errors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "object.key", ve.Field)
	assert.Equal(t, "required", ve.Reason)
}
