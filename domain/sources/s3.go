package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/logger"
)

// NewS3Client builds the process-wide S3 client. Static credentials and
// a custom endpoint (MinIO) come from the environment; when neither is
// set the ambient AWS credential chain applies.
func NewS3Client(ctx context.Context, sc *config.StorageConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(sc.Region),
	}
	if sc.IsConfigured() {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, ""),
		))
	}
	if sc.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               sc.Endpoint,
					HostnameImmutable: true,
					SigningRegion:     sc.Region,
				}, nil
			},
		)
		loadOpts = append(loadOpts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing is required for MinIO endpoints.
		if sc.Endpoint != "" {
			o.UsePathStyle = true
		}
	})
	return client, nil
}

// S3 serves documents from a bucket prefix. Doc IDs carry the object
// key relative to the prefix.
type S3 struct {
	name   string
	bucket string
	prefix string
	follow bool
	client *s3.Client
	log    *slog.Logger
}

// NewS3 creates a source over one bucket and prefix, sharing the
// process-wide client.
func NewS3(spec *config.SourceSpec, client *s3.Client, log *slog.Logger) *S3 {
	return &S3{
		name:   spec.Name,
		bucket: spec.Bucket,
		prefix: strings.TrimPrefix(spec.Prefix, "/"),
		follow: spec.FollowLinks,
		client: client,
		log:    log.With(logger.Scope("sources.s3"), slog.String("source", spec.Name)),
	}
}

func (s *S3) Name() string      { return s.name }
func (s *S3) Type() string      { return config.SourceS3 }
func (s *S3) FollowLinks() bool { return s.follow }

func (s *S3) List(ctx context.Context) ([]DocumentRef, error) {
	var refs []DocumentRef
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // folder placeholder objects
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
			if rel == "" {
				continue
			}
			md := map[string]any{
				"key":  key,
				"size": aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				md["modified_at"] = obj.LastModified.UTC().Format(time.RFC3339)
			}
			if obj.ETag != nil {
				md["etag"] = strings.Trim(aws.ToString(obj.ETag), `"`)
			}
			refs = append(refs, DocumentRef{DocID: DocID(s.name, rel), Metadata: md})
		}
	}
	return refs, nil
}

func (s *S3) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	rel, err := s.relKey(docID)
	if err != nil {
		return nil, err
	}
	key := s.objectKey(rel)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("s3://%s/%s: %w", s.bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", s.bucket, key, err)
	}

	md := map[string]any{
		"key":  key,
		"size": int64(len(data)),
	}
	if out.LastModified != nil {
		md["modified_at"] = out.LastModified.UTC().Format(time.RFC3339)
	}
	if out.ETag != nil {
		md["etag"] = strings.Trim(aws.ToString(out.ETag), `"`)
	}
	if out.ContentType != nil {
		md["content_type"] = aws.ToString(out.ContentType)
	}
	return &FetchResult{
		Content:   data,
		SourceURI: fmt.Sprintf("s3://%s/%s", s.bucket, key),
		Metadata:  md,
	}, nil
}

// HasChanged heads the object and compares Last-Modified. Head failures
// report changed; Fetch will surface a real not-found as permanent.
func (s *S3) HasChanged(ctx context.Context, docID string, since time.Time) (bool, error) {
	if since.IsZero() {
		return true, nil
	}
	rel, err := s.relKey(docID)
	if err != nil {
		return false, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(rel)),
	})
	if err != nil || out.LastModified == nil {
		return true, nil
	}
	return out.LastModified.After(since), nil
}

// ResolveLink resolves relative links between objects the same way the
// filesystem source does, then verifies the target object exists so
// broken links never reach the queue.
func (s *S3) ResolveLink(ctx context.Context, fromDocID, target string) (string, bool) {
	if target == "" || strings.Contains(target, "://") || strings.HasPrefix(target, "/") {
		return "", false
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if target == "" {
		return "", false
	}
	_, fromRel, ok := SplitDocID(fromDocID)
	if !ok {
		return "", false
	}
	rel := path.Join(path.Dir(fromRel), target)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(rel)),
	})
	if err != nil {
		return "", false
	}
	return DocID(s.name, rel), true
}

func (s *S3) objectKey(rel string) string {
	return path.Join(s.prefix, rel)
}

// relKey validates a doc ID minted by this source and returns the key
// relative to the prefix. Non-canonical paths are rejected so an ID
// cannot address objects outside the prefix.
func (s *S3) relKey(docID string) (string, error) {
	name, rel, ok := SplitDocID(docID)
	if !ok || name != s.name {
		return "", fmt.Errorf("doc id %q does not belong to source %q", docID, s.name)
	}
	if rel != path.Clean(rel) || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("doc id %q escapes source prefix", docID)
	}
	return rel, nil
}
