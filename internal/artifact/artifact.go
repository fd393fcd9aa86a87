// Package artifact stores execution output blobs.
package artifact

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("artifact: invalid configuration")
	ErrInvalidKey    = errors.New("artifact: invalid key")
	ErrNotFound      = errors.New("artifact: not found")
	ErrAccessDenied  = errors.New("artifact: access denied")
	ErrUploadFailed  = errors.New("artifact: upload failed")
	ErrDownload      = errors.New("artifact: download failed")
)

// Store is a durable blob store. Put overwrites whatever is at key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Artifact, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

type Artifact struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// OccurrenceKey is the storage key of the artifact produced for one
// occurrence of a task: "<slug>/<RFC3339 UTC instant>". Running the same
// occurrence again yields the same key.
func OccurrenceKey(slug string, scheduledFor time.Time) string {
	return Slug(slug) + "/" + scheduledFor.UTC().Format(time.RFC3339)
}

// Slug turns a task name into a single key segment. Distinct names may map to
// the same slug; callers that need uniqueness must enforce it.
func Slug(name string) string {
	return sanitizePathSegment(name)
}

var pathSegmentRegex = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// sanitizePathSegment keeps a task name from escaping its key prefix.
func sanitizePathSegment(segment string) string {
	segment = strings.Trim(segment, " /\\")
	segment = pathSegmentRegex.ReplaceAllString(segment, "_")
	segment = strings.TrimLeft(segment, ".")
	if segment == "" {
		return "_"
	}
	return segment
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
