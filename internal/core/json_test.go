package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type strictTarget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type rejecting struct{}

func (*rejecting) UnmarshalJSON([]byte) error { return Invalid("mac", "bad") }

func TestDecodeStrict(t *testing.T) {
	var v strictTarget
	require.NoError(t, DecodeStrict([]byte(`{"name":"a","count":2}`), &v))
	assert.Equal(t, strictTarget{Name: "a", Count: 2}, v)

	err := DecodeStrict([]byte(`{"name":"a","extra":1}`), &v)
	assert.ErrorIs(t, err, ErrValidation)

	err = DecodeStrict([]byte(`{"name":"a"} {"name":"b"}`), &v)
	assert.ErrorIs(t, err, ErrValidation)

	err = DecodeStrict([]byte(`{"count":"two"}`), &v)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "count", ve.Field)

	err = DecodeStrict([]byte(`{}`), &rejecting{})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "mac", ve.Field)

	var syntax *json.SyntaxError
	err = DecodeStrict([]byte(`{`), &v)
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, errors.As(err, &syntax))
}
