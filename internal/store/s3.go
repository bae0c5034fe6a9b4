package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/sync/singleflight"
)

// PresignedURLDuration is how long each presigned request is valid for.
const PresignedURLDuration = time.Hour

// S3Config configures an S3Store, mirroring the original source's
// blobstore.rs constructor (region, bucket, optional prefix, credentials)
// plus an endpoint override for S3-compatible backends.
type S3Config struct {
	Region    string
	Endpoint  string // optional; defaults to the AWS dual-stack endpoint for Region
	Bucket    string
	Prefix    string // optional; transparently prepended to every key
	AccessKey string
	SecretKey string

	HTTPClient *http.Client // optional; defaults to http.DefaultClient
}

// S3Store is a Store backed by an S3-compatible object store. The bucket's
// existence is probed with a HEAD request on first use; the result is
// latched so the probe never repeats. Concurrent first-use callers share
// the probe via a singleflight.Group so it only ever runs once.
type S3Store struct {
	bucket   string
	prefix   string
	client   *s3.S3
	http     *http.Client
	verified atomic.Bool
	sf       singleflight.Group
}

// NewS3Store constructs an S3Store from cfg. It does not perform any
// network I/O; the bucket probe happens lazily on first use (blobstore.rs's
// "inited_bucket").
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("store: S3Config.Bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://s3.dualstack.%s.amazonaws.com", region)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Endpoint:    aws.String(endpoint),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		HTTPClient:  httpClient,
	})
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Op: "new", Key: cfg.Bucket, Err: err}
	}

	return &S3Store{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		client: s3.New(sess),
		http:   httpClient,
	}, nil
}

func (s *S3Store) prefixedKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// ensureVerified probes the bucket with a HEAD request exactly once,
// regardless of how many goroutines call it concurrently.
func (s *S3Store) ensureVerified(ctx context.Context) error {
	if s.verified.Load() {
		return nil
	}
	_, err, _ := s.sf.Do("verify", func() (any, error) {
		if s.verified.Load() {
			return nil, nil
		}
		_, headErr := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(s.bucket),
		})
		if headErr != nil {
			var reqErr awserr.RequestFailure
			if errors.As(headErr, &reqErr) && reqErr.StatusCode() >= 400 && reqErr.StatusCode() < 500 {
				return nil, &Error{Kind: KindPermanent, Op: "head_bucket", Key: s.bucket, Err: headErr}
			}
			var awsErr awserr.Error
			if errors.As(headErr, &awsErr) && (awsErr.Code() == s3.ErrCodeNoSuchBucket || awsErr.Code() == "NotFound") {
				return nil, &Error{Kind: KindPermanent, Op: "head_bucket", Key: s.bucket, Err: headErr}
			}
			return nil, &Error{Kind: KindTransient, Op: "head_bucket", Key: s.bucket, Err: headErr}
		}
		s.verified.Store(true)
		return nil, nil
	})
	return err
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.ensureVerified(ctx); err != nil {
		return nil, err
	}
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefixedKey(key)),
	})
	url, err := req.Presign(PresignedURLDuration)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Op: "get", Key: key, Err: err}
	}
	resp, err := s.http.Get(url)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "get", Key: key, Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Kind: KindCorrupt, Op: "get", Key: key, Err: err}
		}
		return body, nil
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Op: "get", Key: key, Err: fmt.Errorf("s3 status %d", resp.StatusCode)}
	default:
		return nil, &Error{Kind: KindPermanent, Op: "get", Key: key, Err: fmt.Errorf("s3 status %d", resp.StatusCode)}
	}
}

func (s *S3Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.ensureVerified(ctx); err != nil {
		return err
	}
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefixedKey(key)),
	})
	url, err := req.Presign(PresignedURLDuration)
	if err != nil {
		return &Error{Kind: KindPermanent, Op: "set", Key: key, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(value))
	if err != nil {
		return &Error{Kind: KindPermanent, Op: "set", Key: key, Err: err}
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindTransient, Op: "set", Key: key, Err: err}
	}
	defer resp.Body.Close()
	return classifyS3Response("set", key, resp)
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	if err := s.ensureVerified(ctx); err != nil {
		return err
	}
	req, _ := s.client.DeleteObjectRequest(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefixedKey(key)),
	})
	url, err := req.Presign(PresignedURLDuration)
	if err != nil {
		return &Error{Kind: KindPermanent, Op: "remove", Key: key, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return &Error{Kind: KindPermanent, Op: "remove", Key: key, Err: err}
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindTransient, Op: "remove", Key: key, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &Error{Kind: KindTransient, Op: "remove", Key: key, Err: fmt.Errorf("s3 status %d", resp.StatusCode)}
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.ensureVerified(ctx); err != nil {
		return false, err
	}
	req, _ := s.client.HeadObjectRequest(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefixedKey(key)),
	})
	url, err := req.Presign(PresignedURLDuration)
	if err != nil {
		return false, &Error{Kind: KindPermanent, Op: "exists", Key: key, Err: err}
	}
	resp, err := s.http.Head(url)
	if err != nil {
		return false, &Error{Kind: KindTransient, Op: "exists", Key: key, Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode >= 500:
		return false, &Error{Kind: KindTransient, Op: "exists", Key: key, Err: fmt.Errorf("s3 status %d", resp.StatusCode)}
	default:
		return false, &Error{Kind: KindPermanent, Op: "exists", Key: key, Err: fmt.Errorf("s3 status %d", resp.StatusCode)}
	}
}

// List implements Lister via ListObjectsV2, paginating until the backend
// reports no further continuation token. Returned keys have the store's
// prefix stripped, so callers see the same unprefixed keys they passed to
// Set.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureVerified(ctx); err != nil {
		return nil, err
	}

	var out []string
	var token *string
	fullPrefix := s.prefixedKey(prefix)
	for {
		resp, err := s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			var reqErr awserr.RequestFailure
			if errors.As(err, &reqErr) && reqErr.StatusCode() >= 400 && reqErr.StatusCode() < 500 {
				return nil, &Error{Kind: KindPermanent, Op: "list", Key: prefix, Err: err}
			}
			var awsErr awserr.Error
			if errors.As(err, &awsErr) {
				return nil, &Error{Kind: KindTransient, Op: "list", Key: prefix, Err: err}
			}
			return nil, &Error{Kind: KindPermanent, Op: "list", Key: prefix, Err: err}
		}
		for _, obj := range resp.Contents {
			key := aws.StringValue(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			out = append(out, key)
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

func classifyS3Response(op, key string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &Error{Kind: KindTransient, Op: op, Key: key, Err: fmt.Errorf("s3 status %d", resp.StatusCode)}
	default:
		return &Error{Kind: KindPermanent, Op: op, Key: key, Err: fmt.Errorf("s3 status %d", resp.StatusCode)}
	}
}
