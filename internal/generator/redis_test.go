package generator

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSource(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Push("accounts", "acc-1", "acc-2")
	require.NoError(t, err)
	require.NoError(t, db.Set("region", "eu-west"))

	src, err := NewRedisSource(db.Addr(), "accounts")
	require.NoError(t, err)
	defer src.Close()

	v, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, "acc-1", v)
	v, err = src.Next()
	require.NoError(t, err)
	assert.Equal(t, "acc-2", v)
	_, err = src.Next()
	assert.ErrorIs(t, err, ErrExhausted)

	v, err = src.Get("region")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", v)

	_, err = src.Get("missing")
	assert.Error(t, err)
}

func TestParseRedisRef(t *testing.T) {
	addr, list, err := ParseRedisRef("localhost:6379/users")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", addr)
	assert.Equal(t, "users", list)

	for _, bad := range []string{"localhost:6379", "/users", "localhost:6379/"} {
		_, _, err := ParseRedisRef(bad)
		assert.Error(t, err, bad)
	}
}
