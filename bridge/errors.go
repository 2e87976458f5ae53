// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package bridge

import "errors"

// Error kinds reported by the bridge. Each surfaces synchronously at the
// script expression that triggered it; none are retried or swallowed.
// Failures are wrapped with detail, so test with errors.Is.
var (
	// ErrStaleHandle is reported when an operation is attempted through a
	// handle whose session has been closed. No request is sent.
	ErrStaleHandle = errors.New("stale handle: session is closed")

	// ErrInvalidArgument is reported when a script value cannot be coerced
	// into a connection source, or a built-in receives structurally wrong
	// arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidIndex is reported when a node is indexed with a key that is
	// neither a non-negative integer nor a string.
	ErrInvalidIndex = errors.New("invalid index")
)
