// Package convkey derives the canonical conversation key for a pair of users.
//
// Both participants must resolve the same key regardless of argument order,
// otherwise each pair ends up with two divergent message partitions.
package convkey

import (
	"errors"
	"strconv"
	"strings"
)

// Separator never appears inside a numeric user id.
const separator = ":"

var (
	ErrSameUser = errors.New("conversation requires two distinct users")
	ErrBadUser  = errors.New("user id must be greater than zero")
	ErrBadKey   = errors.New("malformed conversation key")
)

// New returns the canonical key for the conversation between a and b.
// The smaller id always comes first, so New(a, b) == New(b, a).
func New(a, b int64) (string, error) {
	if a < 1 || b < 1 {
		return "", ErrBadUser
	}
	if a == b {
		return "", ErrSameUser
	}
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + separator + strconv.FormatInt(b, 10), nil
}

// Participants parses a key back into its two user ids.
func Participants(key string) (int64, int64, error) {
	parts := strings.Split(key, separator)
	if len(parts) != 2 {
		return 0, 0, ErrBadKey
	}

	a, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, ErrBadKey
	}
	b, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, ErrBadKey
	}

	if a < 1 || b < 1 || a >= b {
		return 0, 0, ErrBadKey
	}

	return a, b, nil
}

// Other returns the participant of key that is not user.
func Other(key string, user int64) (int64, error) {
	a, b, err := Participants(key)
	if err != nil {
		return 0, err
	}

	switch user {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return 0, ErrBadKey
	}
}
