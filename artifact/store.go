// Package artifact keeps finished artifacts until their task is reclaimed.
// The local store serves files straight from the task's working directory;
// the MinIO store moves them into a bucket.
package artifact

import (
	"errors"
)

// ErrNotFound is returned by Open when the artifact no longer exists.
var ErrNotFound = errors.New("artifact not found")
