package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

const (
	storedAtMetaKey    = "stored_at"
	createdAtMetaKey   = "created_at"
	populatedAtMetaKey = "populated_at"

	s3BucketMarker    = ".bucket"
	s3PopulatedMarker = ".populated"
	s3EntriesDir      = "entries/"

	s3UploadConcurrency = 8
)

// S3Cache stores every storage bucket as a key prefix of a single S3 bucket:
//
//	<prefix><name>/.bucket            # registry marker, created_at metadata
//	<prefix><name>/.populated         # snapshot marker, populated_at metadata
//	<prefix><name>/entries/<key>      # serialized response, stored_at metadata
//
// S3 has no multi-object transactions, so PutAll uploads the entries first
// and writes the snapshot marker last.
type S3Cache struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Cache(bucket, prefix string, client *s3.Client) S3Cache {
	return S3Cache{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (s S3Cache) bucketPrefix(name string) string {
	return s.prefix + name + "/"
}

func (s S3Cache) entryKey(name, key string) string {
	return s.bucketPrefix(name) + s3EntriesDir + url.QueryEscape(key)
}

func (s S3Cache) Open(ctx context.Context, name string) (Bucket, error) {
	if strings.Contains(name, "/") {
		return nil, errors.New("bucket name must not contain a slash")
	}
	b := S3Bucket{cache: s, name: name}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.bucketPrefix(name) + s3BucketMarker),
	})
	if err == nil {
		return b, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	err = s.put(ctx, s.bucketPrefix(name)+s3BucketMarker, nil, map[string]string{
		createdAtMetaKey: strconv.FormatInt(time.Now().UnixNano(), 10),
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s S3Cache) Match(ctx context.Context, key string) (Entry, error) {
	names, err := s.Buckets(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, name := range names {
		entry, err := S3Bucket{cache: s, name: name}.Match(ctx, key)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return entry, err
		}
	}
	return Entry{}, ErrNotFound
}

// Buckets lists the bucket prefixes and orders them by their created_at marker.
func (s S3Cache) Buckets(ctx context.Context) ([]string, error) {
	type bucketInfo struct {
		name      string
		createdAt int64
	}
	infos := make([]bucketInfo, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix), "/")
			out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.bucketPrefix(name) + s3BucketMarker),
			})
			if isNotFound(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			infos = append(infos, bucketInfo{name, parseMetaInt(out.Metadata, createdAtMetaKey)})
		}
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].createdAt < infos[j].createdAt
	})
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.name
	}
	return names, nil
}

func (s S3Cache) Close() error {
	return nil
}

func (s S3Cache) put(ctx context.Context, key string, body []byte, meta map[string]string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: meta,
	})
	return err
}

type S3Bucket struct {
	cache S3Cache
	name  string
}

func (b S3Bucket) Name() string {
	return b.name
}

func (b S3Bucket) Match(ctx context.Context, key string) (Entry, error) {
	out, err := b.cache.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cache.bucket),
		Key:    aws.String(b.cache.entryKey(b.name, key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:      key,
		StoredAt: time.Unix(parseMetaInt(out.Metadata, storedAtMetaKey), 0),
		Bytes:    body,
	}, nil
}

func (b S3Bucket) PutAll(ctx context.Context, entries []Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s3UploadConcurrency)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			return b.cache.put(gctx, b.cache.entryKey(b.name, entry.Key), entry.Bytes, map[string]string{
				storedAtMetaKey: strconv.FormatInt(entry.StoredAt.Unix(), 10),
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return b.cache.put(ctx, b.cache.bucketPrefix(b.name)+s3PopulatedMarker, nil, map[string]string{
		populatedAtMetaKey: strconv.FormatInt(time.Now().Unix(), 10),
	})
}

func (b S3Bucket) Keys(ctx context.Context, cb func(string)) error {
	prefix := b.cache.bucketPrefix(b.name) + s3EntriesDir
	paginator := s3.NewListObjectsV2Paginator(b.cache.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cache.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, obj := range page.Contents {
			key, err := url.QueryUnescape(strings.TrimPrefix(aws.ToString(obj.Key), prefix))
			if err != nil {
				return err
			}
			cb(key)
		}
	}
	return nil
}

func (b S3Bucket) PopulatedAt(ctx context.Context) (time.Time, error) {
	out, err := b.cache.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cache.bucket),
		Key:    aws.String(b.cache.bucketPrefix(b.name) + s3PopulatedMarker),
	})
	if isNotFound(err) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, err
	}
	populatedAt := parseMetaInt(out.Metadata, populatedAtMetaKey)
	if populatedAt == 0 {
		return time.Time{}, nil
	}
	return time.Unix(populatedAt, 0), nil
}

func parseMetaInt(meta map[string]string, key string) int64 {
	if meta == nil {
		return 0
	}
	val, ok := meta[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
