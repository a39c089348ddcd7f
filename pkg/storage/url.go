package storage

import (
	"fmt"
	"strings"
)

// FromURL selects a FileStore for a --store style location:
//
//	""                    raw local paths (CLI default)
//	"s3://bucket"         S3 bucket root, client from environment
//	"s3://bucket/prefix"  S3 under a key prefix
//	anything else         local directory root
//
// Dataset and artifact paths passed to the trainer are then interpreted
// inside the returned store.
func FromURL(spec string) (FileStore, error) {
	switch {
	case spec == "":
		return NewLocal("")
	case strings.HasPrefix(spec, "s3://"):
		rest := strings.TrimPrefix(spec, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("storage: %q has no bucket", spec)
		}
		return NewS3FromEnv(bucket, strings.Trim(prefix, "/")), nil
	default:
		return NewLocal(spec)
	}
}
