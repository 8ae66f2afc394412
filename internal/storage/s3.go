package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Options configures the S3 backend.
type S3Options struct {
	Bucket string
	// Prefix is prepended to every key, e.g. "pidly/".
	Prefix string
	Region string
	// AccessKeyID and SecretAccessKey override the default credential chain.
	AccessKeyID     string
	SecretAccessKey string
	// Password enables the encryption envelope when non-empty.
	Password string
	// Endpoint points the client at an S3 compatible server.
	Endpoint string
}

// S3 stores blobs in a bucket, optionally encrypted.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	password string
}

// NewS3 loads AWS configuration and returns an S3 backend.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend needs a bucket")
	}
	var loaders []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loaders = append(loaders, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3(cli, opts), nil
}

func newS3(cli *s3.Client, opts S3Options) *S3 {
	prefix := strings.TrimPrefix(opts.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{
		client:   cli,
		uploader: manager.NewUploader(cli),
		bucket:   opts.Bucket,
		prefix:   prefix,
		password: opts.Password,
	}
}

func (s *S3) Name() string { return "s3" }

// Bucket returns the configured bucket.
func (s *S3) Bucket() string { return s.bucket }

func (s *S3) objectKey(key string) (string, string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", "", err
	}
	return clean, s.prefix + clean, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	clean, full, err := s.objectKey(key)
	if err != nil {
		return err
	}
	body := data
	meta := map[string]string{"name": clean}
	if s.password != "" {
		body, err = seal(data, s.password)
		if err != nil {
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		meta["encrypted"] = "true"
		meta["encryption-format"] = formatCBC
		meta["plain-size"] = fmt.Sprint(len(data))
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(full),
		Body:     bytes.NewReader(body),
		Metadata: meta,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.Upload(ctx, in); err != nil {
		log.Error().Err(err).Str("key", full).Msg("s3 upload failed")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debug().Str("key", full).Int("size", len(body)).Bool("encrypted", s.password != "").Msg("uploaded object to S3")
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	clean, full, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	if !encrypted(res.Metadata) {
		return raw, nil
	}
	if s.password == "" {
		return nil, fmt.Errorf("object %s is encrypted and no password is configured", clean)
	}
	plain, format, err := open(raw, s.password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", clean, err)
	}
	log.Debug().Str("key", full).Str("encryption_format", format).Int("size", len(plain)).Msg("decrypted object from S3")
	return plain, nil
}

// encrypted checks object metadata; S3 may return keys in any case.
func encrypted(meta map[string]string) bool {
	for k, v := range meta {
		if strings.EqualFold(k, "encrypted") && v == "true" {
			return true
		}
	}
	return false
}

func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (s *S3) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	clean, full, err := s.objectKey(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	res, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return ObjectInfo{}, fmt.Errorf("head object failed: %w", err)
	}
	info := ObjectInfo{Key: clean, Size: aws.ToInt64(res.ContentLength), ContentType: aws.ToString(res.ContentType)}
	if res.LastModified != nil {
		info.ModTime = res.LastModified.UTC()
	}
	if v := metaValue(res.Metadata, "plain-size"); v != "" {
		fmt.Sscan(v, &info.Size)
	}
	return info, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	clean, full, err := s.objectKey(key)
	if err != nil {
		return err
	}
	// S3 deletes are idempotent; report missing keys like the local backend
	if _, err := s.Stat(ctx, clean); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	}); err != nil {
		return fmt.Errorf("delete object failed: %w", err)
	}
	log.Info().Str("key", full).Msg("deleted object from S3")
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})
	out := []ObjectInfo{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			info := ObjectInfo{
				Key:  strings.TrimPrefix(*obj.Key, s.prefix),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.ModTime = obj.LastModified.UTC()
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func copySource(bucket, key string) string {
	parts := strings.Split(bucket+"/"+key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Rename copies the object with its metadata and deletes the source.
func (s *S3) Rename(ctx context.Context, oldKey, newKey string) error {
	oldClean, oldFull, err := s.objectKey(oldKey)
	if err != nil {
		return err
	}
	newClean, newFull, err := s.objectKey(newKey)
	if err != nil {
		return err
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oldFull),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, oldClean)
		}
		return fmt.Errorf("head object failed: %w", err)
	}
	meta := make(map[string]string, len(head.Metadata))
	for k, v := range head.Metadata {
		meta[strings.ToLower(k)] = v
	}
	meta["name"] = newClean

	start := time.Now()
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(newFull),
		CopySource:        aws.String(copySource(s.bucket, oldFull)),
		Metadata:          meta,
		ContentType:       head.ContentType,
		MetadataDirective: s3types.MetadataDirectiveReplace,
	})
	if err != nil {
		return fmt.Errorf("copy object failed: %w", err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(oldFull),
	}); err != nil {
		return fmt.Errorf("delete after copy failed: %w", err)
	}
	log.Info().Str("src", oldFull).Str("dst", newFull).Dur("took", time.Since(start)).Msg("renamed object in S3")
	return nil
}
