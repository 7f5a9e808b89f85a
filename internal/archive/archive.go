// Package archive mirrors raw API pages into S3-compatible object storage.
package archive

import (
	"context"
	"fmt"
	"path"
)

// Archive stores the raw body of a fetched page
type Archive interface {
	PutPage(ctx context.Context, source string, startIndex int64, body []byte) error
}

// Config contains object storage configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	Prefix    string
}

// Enabled reports whether an archive endpoint is configured
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// ObjectKey returns the key a page is stored under. Zero padding keeps
// pages in fetch order when listed.
func ObjectKey(prefix, source string, startIndex int64) string {
	return path.Join(prefix, source, fmt.Sprintf("%010d.json", startIndex))
}
