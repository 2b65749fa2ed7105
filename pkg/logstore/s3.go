package logstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/antcode/antcode/pkg/types"
)

// S3Config configures the object-store backend.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // non-empty for S3-compatible stores
}

// S3 stores logs in an object store: entries appended as per-batch objects,
// chunks keyed by offset, merged gzip objects on finalize, and presigned
// upload/download URLs.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
}

// NewS3 builds the backend from ambient AWS credentials.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg), nil
}

// NewS3WithClient wraps an existing client; used by tests.
func NewS3WithClient(client *s3.Client, cfg S3Config) *S3 {
	return &S3{client: client, presign: s3.NewPresignClient(client), cfg: cfg}
}

func (s *S3) key(parts ...string) string {
	key := s.cfg.Prefix
	for _, p := range parts {
		if key != "" {
			key += "/"
		}
		key += p
	}
	return key
}

func (s *S3) entriesKey(runID string, seq int64) string {
	return s.key("runs", runID, fmt.Sprintf("entries/%020d.jsonl", seq))
}

func (s *S3) chunkKey(runID string, stream types.LogStream, offset int64) string {
	return s.key("runs", runID, fmt.Sprintf("chunks/%s/%012d", stream, offset))
}

func (s *S3) mergedKey(runID string, stream types.LogStream) string {
	return s.key("runs", runID, string(stream)+".log.gz")
}

func (s *S3) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *S3) WriteLog(ctx context.Context, entry *types.LogEntry) error {
	return s.WriteLogBatch(ctx, []*types.LogEntry{entry})
}

func (s *S3) WriteLogBatch(ctx context.Context, entries []*types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	byRun := make(map[string][]*types.LogEntry)
	for _, e := range entries {
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}
	for runID, batch := range byRun {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		minSeq := batch[0].Seq
		for _, e := range batch {
			if e.Seq < minSeq {
				minSeq = e.Seq
			}
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode entry: %w", err)
			}
		}
		if err := s.put(ctx, s.entriesKey(runID, minSeq), buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) WriteChunk(ctx context.Context, chunk *types.LogChunk) (int64, error) {
	if err := s.put(ctx, s.chunkKey(chunk.RunID, chunk.Type, chunk.Offset), chunk.Data); err != nil {
		return 0, err
	}
	offsets, sizes, err := s.chunkOffsets(ctx, chunk.RunID, chunk.Type)
	if err != nil {
		return 0, err
	}
	var next int64
	for i, off := range offsets {
		if off != next {
			break
		}
		next += sizes[i]
	}
	return next, nil
}

func (s *S3) chunkOffsets(ctx context.Context, runID string, stream types.LogStream) ([]int64, []int64, error) {
	prefix := s.key("runs", runID, "chunks", string(stream)) + "/"
	var offsets, sizes []int64
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list chunks: %w", err)
		}
		for _, obj := range out.Contents {
			var off int64
			if _, err := fmt.Sscanf((*obj.Key)[len(prefix):], "%d", &off); err != nil {
				continue
			}
			offsets = append(offsets, off)
			sizes = append(sizes, aws.ToInt64(obj.Size))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, sizes, nil
}

func (s *S3) FinalizeChunks(ctx context.Context, runID string, stream types.LogStream, totalSize int64, checksum string) error {
	offsets, _, err := s.chunkOffsets(ctx, runID, stream)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	hash := sha256.New()
	for _, off := range offsets {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.chunkKey(runID, stream, off)),
		})
		if err != nil {
			return fmt.Errorf("failed to get chunk: %w", err)
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read chunk body: %w", err)
		}
		buf.Write(data)
		hash.Write(data)
	}
	if int64(buf.Len()) != totalSize {
		return ErrSizeMismatch
	}
	if checksum != "" && hex.EncodeToString(hash.Sum(nil)) != checksum {
		return ErrChecksumMismatch
	}

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to compress merged log: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish merged log: %w", err)
	}
	if err := s.put(ctx, s.mergedKey(runID, stream), gzBuf.Bytes()); err != nil {
		return err
	}

	// merged object is authoritative; drop the chunk objects
	for _, off := range offsets {
		s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.chunkKey(runID, stream, off)),
		})
	}
	return nil
}

func (s *S3) QueryLogs(ctx context.Context, q Query) ([]*types.LogEntry, error) {
	prefix := s.key("runs", q.RunID, "entries") + "/"
	var out []*types.LogEntry
	var token *string
	for {
		res, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list entry objects: %w", err)
		}
		for _, obj := range res.Contents {
			body, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.cfg.Bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to get entry object: %w", err)
			}
			dec := json.NewDecoder(body.Body)
			for {
				var e types.LogEntry
				if err := dec.Decode(&e); err != nil {
					break
				}
				if q.Stream != "" && e.Stream != q.Stream {
					continue
				}
				if e.Seq < q.StartSeq {
					continue
				}
				out = append(out, &e)
			}
			body.Body.Close()
		}
		if !aws.ToBool(res.IsTruncated) {
			break
		}
		token = res.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *S3) GetLogStream(ctx context.Context, runID string, stream types.LogStream) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.mergedKey(runID, stream)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get merged log: %w", err)
	}
	defer out.Body.Close()
	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to read merged log: %w", err)
	}
	return data, nil
}

func (s *S3) DeleteLogs(ctx context.Context, runID string) error {
	prefix := s.key("runs", runID) + "/"
	var token *string
	for {
		res, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("failed to list run objects: %w", err)
		}
		if len(res.Contents) > 0 {
			ids := make([]s3types.ObjectIdentifier, 0, len(res.Contents))
			for _, obj := range res.Contents {
				ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
			}
			_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.cfg.Bucket),
				Delete: &s3types.Delete{Objects: ids},
			})
			if err != nil {
				return fmt.Errorf("failed to delete run objects: %w", err)
			}
		}
		if !aws.ToBool(res.IsTruncated) {
			break
		}
		token = res.NextContinuationToken
	}
	return nil
}

func (s *S3) PresignedUploadURL(ctx context.Context, runID string, stream types.LogStream, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.mergedKey(runID, stream)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %w", err)
	}
	return req.URL, nil
}

func (s *S3) PresignedDownloadURL(ctx context.Context, runID string, stream types.LogStream, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.mergedKey(runID, stream)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return req.URL, nil
}

func (s *S3) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		return fmt.Errorf("bucket not reachable: %w", err)
	}
	return nil
}
