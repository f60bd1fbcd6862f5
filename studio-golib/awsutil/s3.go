package awsutil

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/embeddingstudio/embeddingstudio/studio-golib/envutil"
)

const defaultRegion = "us-east-1"

var localRegion = envutil.GetenvDefault("AWS_REGION", "")

// IsS3URI returns true if the path is an s3 uri.
func IsS3URI(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

// ValidateURI parses an s3://bucket/key uri.
func ValidateURI(uri string) (*url.URL, error) {
	s3url, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if s3url.Scheme != "s3" {
		return nil, fmt.Errorf("url %s is not a s3 path", s3url.String())
	}
	if s3url.Host == "" {
		return nil, fmt.Errorf("url %s has no bucket", s3url.String())
	}
	return s3url, nil
}

// BucketAndKey splits an s3 uri into its bucket and object key.
func BucketAndKey(uri string) (string, string, error) {
	s3url, err := ValidateURI(uri)
	if err != nil {
		return "", "", err
	}
	return s3url.Host, strings.TrimPrefix(s3url.Path, "/"), nil
}

// URI builds s3://bucket/key, joining key parts with "/".
func URI(bucket string, keyParts ...string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.TrimPrefix(path.Join(keyParts...), "/"))
}

// NewS3 creates an s3 client. An empty region falls back to $AWS_REGION, then us-east-1.
// A non-zero timeout is applied to every request made by the client.
func NewS3(region string, timeout time.Duration) (*s3.S3, error) {
	if region == "" {
		region = localRegion
	}
	if region == "" {
		region = defaultRegion
	}

	sess, err := session.NewSession()
	if err != nil {
		return nil, err
	}

	config := aws.NewConfig().WithRegion(region)
	if timeout > 0 {
		config = config.WithHTTPClient(&http.Client{Timeout: timeout})
	}
	return s3.New(sess, config), nil
}
