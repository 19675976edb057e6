// Package storage persists processed audio, feed XML, and artwork, one
// podcast per directory. Two backends are available behind the same
// interface: a local filesystem backend (temp-file + rename, so a
// concurrently serving reader never sees a torn file) and an
// S3/R2-compatible backend for deployments that want off-box artifact
// storage. Selection is driven by Config.StorageBackend.
package storage

import "context"

// Storage abstracts the artifact backend the orchestrator writes
// processed audio and the feed layer writes XML/artwork to. Keys are
// "<podcast_slug>/<filename>" paths; backends are responsible for avoiding
// torn reads of files concurrently served over HTTP.
type Storage interface {
	// Put copies the local file at localPath into the backend under key,
	// using a temp-file-then-rename (or equivalent atomic) write so
	// concurrent readers never observe a partially written file.
	Put(ctx context.Context, key, localPath, contentType string) error

	// PutString writes content directly to key, the way RSS XML and VTT
	// artifacts are written without an intermediate local file.
	PutString(ctx context.Context, key, content, contentType string) error

	// Get downloads key to a local temporary file and returns its path;
	// the caller is responsible for removing it.
	Get(ctx context.Context, key string) (localPath string, err error)

	// GetString downloads key and returns its content as a string, for
	// small text artifacts (feed XML, transcripts).
	GetString(ctx context.Context, key string) (string, error)

	// Exists reports whether key is present in the backend.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns a fetchable URL for key, used to populate RSS enclosure
	// links. Backends that require presigning generate a time-limited URL;
	// local storage returns a BaseURL-relative path.
	URL(key string) string
}
