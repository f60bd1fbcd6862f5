// Package modelstore persists serialized models keyed by experiment and run.
package modelstore

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/embeddingstudio/embeddingstudio/studio-golib/awsutil"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/spf13/afero"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.Sentinel("model not found")

// Store saves and loads model blobs.
type Store interface {
	// Put stores the content of r under key and returns its URI.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// Get opens the blob stored under key; the caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// URI of key, whether or not it exists.
	URI(key string) string
}

// RunKey is the key of the model of a run.
func RunKey(experimentID, runID string) string {
	return path.Join(experimentID, runID, "model")
}

// Open picks a store from uri: s3://bucket/prefix for S3, anything else is a local directory
// (an optional file:// scheme is stripped).
func Open(uri, region string, timeout time.Duration) (Store, error) {
	if awsutil.IsS3URI(uri) {
		bucket, prefix, err := awsutil.BucketAndKey(uri)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid model store uri %s", uri)
		}
		client, err := awsutil.NewS3(region, timeout)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to create s3 client")
		}
		return NewS3Store(client, bucket, prefix), nil
	}

	root := strings.TrimPrefix(uri, "file://")
	if root == "" {
		return nil, errors.New("empty model store uri")
	}
	return NewFsStore(afero.NewOsFs(), root), nil
}
