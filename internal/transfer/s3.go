package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/droppoint/droppoint/internal/models"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
	listObjectsV2 = func(c *s3.Client, ctx context.Context, in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		return c.ListObjectsV2(ctx, in)
	}
	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in)
	}
	headBucket = func(c *s3.Client, ctx context.Context, in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return c.HeadBucket(ctx, in)
	}
)

// S3Config carries the bucket-wide credentials the S3 adapter signs
// requests with. S3 portals share the service bucket rather than a
// per-owner OAuth token.
type S3Config struct {
	Region        string
	BaseEndpoint  string
	AccessKeyID   string
	SecretKey     string
	Bucket        string
	PresignExpiry time.Duration
}

// S3Adapter implements Adapter over presigned S3 URLs. Works against
// AWS or any S3-compatible endpoint such as MinIO.
type S3Adapter struct {
	cfg S3Config
}

// NewS3Adapter constructs an adapter for the configured bucket.
func NewS3Adapter(cfg S3Config) *S3Adapter {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	return &S3Adapter{cfg: cfg}
}

func (a *S3Adapter) Provider() models.Provider { return models.ProviderS3 }

func (a *S3Adapter) getClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(a.cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			a.cfg.AccessKeyID,
			a.cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if a.cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(a.cfg.BaseEndpoint)
		}
		o.UsePathStyle = true
	}), nil
}

func (a *S3Adapter) getPresignClient(ctx context.Context) (*s3.PresignClient, error) {
	client, err := a.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return newS3PresignClient(client), nil
}

// storageKey builds a date-partitioned object key so bucket listings
// stay navigable.
func storageKey(name string) string {
	d := time.Now()
	return fmt.Sprintf("uploads/%d/%02d/%02d/%v/%s", d.Year(), d.Month(), d.Day(), uuid.New(), name)
}

// Upload issues a presigned PUT the client can send the file bytes to.
func (a *S3Adapter) Upload(ctx context.Context, _ *models.ProviderToken, name string, _ int64) (*UploadTarget, error) {
	presignClient, err := a.getPresignClient(ctx)
	if err != nil {
		return nil, err
	}

	bucket := a.cfg.Bucket
	key := storageKey(name)

	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(a.cfg.PresignExpiry))
	if err != nil {
		return nil, err
	}

	return &UploadTarget{
		StorageKey: key,
		URL:        req.URL,
		Method:     req.Method,
		Header:     req.SignedHeader,
		ExpiresAt:  time.Now().Add(a.cfg.PresignExpiry),
	}, nil
}

// Download issues a presigned GET for a previously uploaded object.
func (a *S3Adapter) Download(ctx context.Context, _ *models.ProviderToken, externalFileID string) (*DownloadResult, error) {
	presignClient, err := a.getPresignClient(ctx)
	if err != nil {
		return nil, err
	}

	bucket := a.cfg.Bucket

	req, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &externalFileID,
	}, s3.WithPresignExpires(a.cfg.PresignExpiry))
	if err != nil {
		return nil, err
	}

	return &DownloadResult{URL: req.URL, ExpiresAt: time.Now().Add(a.cfg.PresignExpiry)}, nil
}

// ListFolders lists the common prefixes one level under parentID.
func (a *S3Adapter) ListFolders(ctx context.Context, _ *models.ProviderToken, parentID string) ([]*Folder, error) {
	client, err := a.getClient(ctx)
	if err != nil {
		return nil, err
	}

	prefix := parentID
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	out, err := listObjectsV2(client, ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(a.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, err
	}

	var folders []*Folder
	for _, cp := range out.CommonPrefixes {
		if cp.Prefix == nil {
			continue
		}
		path := strings.TrimSuffix(*cp.Prefix, "/")
		name := path
		if i := strings.LastIndex(path, "/"); i >= 0 {
			name = path[i+1:]
		}
		folders = append(folders, &Folder{ID: *cp.Prefix, Name: name, Path: path})
	}
	return folders, nil
}

// CreateFolder writes the zero-byte marker object S3 conventions use for
// directories.
func (a *S3Adapter) CreateFolder(ctx context.Context, _ *models.ProviderToken, name string, parentID string) (*Folder, error) {
	client, err := a.getClient(ctx)
	if err != nil {
		return nil, err
	}

	key := name + "/"
	if parentID != "" {
		key = strings.TrimSuffix(parentID, "/") + "/" + key
	}

	if _, err := putObject(client, ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, err
	}

	return &Folder{ID: key, Name: name, Path: strings.TrimSuffix(key, "/")}, nil
}

// GetAccountInfo verifies the bucket is reachable with the configured
// credentials. Provisioning uses this as its upstream existence check.
func (a *S3Adapter) GetAccountInfo(ctx context.Context, _ *models.ProviderToken) (*AccountInfo, error) {
	client, err := a.getClient(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := headBucket(client, ctx, &s3.HeadBucketInput{Bucket: aws.String(a.cfg.Bucket)}); err != nil {
		return nil, err
	}

	return &AccountInfo{
		ExternalAccountID: a.cfg.Bucket,
		DisplayName:       "s3://" + a.cfg.Bucket,
	}, nil
}

// RefreshToken is unsupported: the adapter signs with static credentials.
func (a *S3Adapter) RefreshToken(_ context.Context, _ string) (*RefreshedToken, error) {
	return nil, ErrRefreshUnsupported
}
