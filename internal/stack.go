package internal

import "github.com/cockroachdb/errors"

// WithStacks annotates the error of a (value, error) pair with the caller's
// stack, leaving nil errors untouched.
func WithStacks[T any](t T, err error) (T, error) {
	//nolint:wrapcheck
	return t, errors.WithStackDepth(err, 1)
}
