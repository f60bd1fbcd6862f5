package modelstore

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/awsutil"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
)

// S3Store keeps models as objects below a bucket prefix.
type S3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Store creates a store writing to s3://bucket/prefix.
func NewS3Store(client s3iface.S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(key string) string {
	return path.Join(s.prefix, key)
}

// URI implements Store
func (s *S3Store) URI(key string) string {
	return awsutil.URI(s.bucket, s.key(key))
}

// Put implements Store. Models are buffered in memory because PutObject needs a seekable body.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return "", errors.Wrapf(err, "unable to read model for %s", key)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return "", errors.Wrapf(err, "unable to upload %s", s.URI(key))
	}
	return s.URI(key), nil
}

// Get implements Store
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
		return nil, errors.Wrapf(ErrNotFound, "%s", s.URI(key))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to download %s", s.URI(key))
	}
	return out.Body, nil
}

// Delete implements Store
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return errors.Wrapf(err, "unable to delete %s", s.URI(key))
	}
	return nil
}
