// Package storage implements the object-storage gateway (SPEC_FULL.md
// §4.2): a narrow S3-like capability (PresignPut, PresignGet, Delete,
// Exists) plus the Gateway that composes that capability with the metadata
// repository to implement issue_upload, finalize_upload, issue_download,
// and revoke. The gateway never streams file bytes itself.
package storage

import (
	"context"
	"time"
)

// ObjectStore is the narrow S3-compatible capability the gateway requires,
// matching spec.md §1's explicit scope: "the object store itself ...
// consumed through a narrow S3-like capability".
type ObjectStore interface {
	// PresignPut returns a presigned PUT URL scoped to key, valid for ttl,
	// plus the headers the caller must send (content-type and, where the
	// backend supports it, a signed content-length constraint).
	PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (url string, headers map[string]string, err error)

	// PresignGet returns a presigned GET URL scoped to key, valid for ttl,
	// with a response-content-disposition override so the browser saves
	// the file under filename.
	PresignGet(ctx context.Context, key string, ttl time.Duration, filename string) (url string, err error)

	// Exists reports whether key is present in the store and, if so, its
	// size as observed via HEAD.
	Exists(ctx context.Context, key string) (exists bool, size int64, err error)

	// Delete removes key. Deleting a nonexistent key is success
	// (SPEC_FULL.md §4.4's idempotence requirement).
	Delete(ctx context.Context, key string) error
}
