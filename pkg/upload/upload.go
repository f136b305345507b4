// Package upload ships finished experiment directories to remote storage.
package upload

import "context"

// Uploader uploads a local experiment directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on
	// misconfiguration, before any jobs are submitted.
	Preflight(ctx context.Context) error

	// Upload uploads all files in experimentDir. The directory basename is
	// used as a sub-prefix under the configured remote prefix.
	Upload(ctx context.Context, experimentDir string) error
}
