package convkey

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewSymmetric(t *testing.T) {
	ab, err := New(39, 41)
	require.NoError(t, err)
	ba, err := New(41, 39)
	require.NoError(t, err)
	require.Equal(t, ab, ba)
	require.Equal(t, "39:41", ab)
}

func TestNewSameUser(t *testing.T) {
	_, err := New(42, 42)
	require.Equal(t, ErrSameUser, err)
}

func TestNewBadUser(t *testing.T) {
	_, err := New(0, 42)
	require.Equal(t, ErrBadUser, err)
	_, err = New(42, -1)
	require.Equal(t, ErrBadUser, err)
}

func TestParticipants(t *testing.T) {
	key, err := New(7, 3)
	require.NoError(t, err)

	a, b, err := Participants(key)
	require.NoError(t, err)
	require.Equal(t, int64(3), a)
	require.Equal(t, int64(7), b)
}

func TestParticipantsMalformed(t *testing.T) {
	for _, key := range []string{"", "3", "3:3", "7:3", "a:b", "0:5", "1:2:3"} {
		_, _, err := Participants(key)
		require.Equal(t, ErrBadKey, err, "key %q", key)
	}
}

func TestOther(t *testing.T) {
	key, err := New(3, 7)
	require.NoError(t, err)

	other, err := Other(key, 3)
	require.NoError(t, err)
	require.Equal(t, int64(7), other)

	other, err = Other(key, 7)
	require.NoError(t, err)
	require.Equal(t, int64(3), other)

	_, err = Other(key, 5)
	require.Equal(t, ErrBadKey, err)
}
