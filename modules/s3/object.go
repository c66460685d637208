package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/specialistvlad/stagegrid/internal/ctxlog"
	"github.com/specialistvlad/stagegrid/internal/stage"
	"github.com/zclconf/go-cty/cty"
)

// maxInline caps objects returned as a string by s3_get.
const maxInline = 16 << 20

// PutInput is the s3_put binding's inputs. Exactly one of SourcePath and
// Content must be set.
type PutInput struct {
	Bucket       string `input:"bucket,required"`
	Key          string `input:"key,required"`
	SourcePath   string `input:"source_path"`
	Content      string `input:"content"`
	ContentType  string `input:"content_type"`
	CreateBucket bool   `input:"create_bucket"`
}

// GetInput is the s3_get binding's inputs. Without DestPath the object is
// returned as the content output.
type GetInput struct {
	Bucket   string `input:"bucket,required"`
	Key      string `input:"key,required"`
	DestPath string `input:"dest_path"`
}

func put(ctx context.Context, req *stage.Request) (cty.Value, error) {
	var in PutInput
	if err := req.Decode(&in); err != nil {
		return cty.NilVal, err
	}
	if (in.SourcePath == "") == (in.Content == "") {
		return cty.NilVal, stage.Permanent(fmt.Errorf("stage '%s': exactly one of 'source_path' and 'content' must be set", req.Stage))
	}
	sc, err := connFrom(req.Conn)
	if err != nil {
		return cty.NilVal, stage.Permanent(err)
	}

	var (
		body io.Reader
		size int64
	)
	if in.SourcePath != "" {
		file, err := os.Open(in.SourcePath)
		if err != nil {
			return cty.NilVal, stage.Permanent(fmt.Errorf("failed to open source file '%s': %w", in.SourcePath, err))
		}
		defer file.Close()
		stat, err := file.Stat()
		if err != nil {
			return cty.NilVal, fmt.Errorf("failed to get file stats for '%s': %w", in.SourcePath, err)
		}
		body, size = file, stat.Size()
	} else {
		body, size = bytes.NewReader([]byte(in.Content)), int64(len(in.Content))
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = detectContentType(in.SourcePath, in.Key)
	}

	logger := ctxlog.FromContext(ctx).With("bucket", in.Bucket, "key", in.Key)
	if in.CreateBucket {
		if err := ensureBucket(ctx, sc.Client, in.Bucket); err != nil {
			return cty.NilVal, classify(ctx, req, err, fmt.Sprintf("failed to ensure bucket '%s'", in.Bucket))
		}
	}

	logger.Info("Uploading object.", "size", size, "contentType", contentType)
	info, err := sc.Client.PutObject(ctx, in.Bucket, in.Key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return cty.NilVal, classify(ctx, req, err, fmt.Sprintf("failed to upload '%s/%s'", in.Bucket, in.Key))
	}
	logger.Debug("Uploaded object.", "etag", info.ETag)

	return cty.ObjectVal(map[string]cty.Value{
		"bucket": cty.StringVal(in.Bucket),
		"key":    cty.StringVal(in.Key),
		"etag":   cty.StringVal(info.ETag),
		"size":   cty.NumberIntVal(info.Size),
	}), nil
}

func get(ctx context.Context, req *stage.Request) (cty.Value, error) {
	var in GetInput
	if err := req.Decode(&in); err != nil {
		return cty.NilVal, err
	}
	sc, err := connFrom(req.Conn)
	if err != nil {
		return cty.NilVal, stage.Permanent(err)
	}

	obj, err := sc.Client.GetObject(ctx, in.Bucket, in.Key, minio.GetObjectOptions{})
	if err != nil {
		return cty.NilVal, classify(ctx, req, err, fmt.Sprintf("failed to fetch '%s/%s'", in.Bucket, in.Key))
	}
	defer obj.Close()
	stat, err := obj.Stat()
	if err != nil {
		return cty.NilVal, classify(ctx, req, err, fmt.Sprintf("failed to fetch '%s/%s'", in.Bucket, in.Key))
	}

	out := map[string]cty.Value{
		"bucket":       cty.StringVal(in.Bucket),
		"key":          cty.StringVal(in.Key),
		"etag":         cty.StringVal(stat.ETag),
		"size":         cty.NumberIntVal(stat.Size),
		"content_type": cty.StringVal(stat.ContentType),
		"path":         cty.NullVal(cty.String),
		"content":      cty.NullVal(cty.String),
	}

	if in.DestPath != "" {
		if err := writeFile(in.DestPath, obj); err != nil {
			return cty.NilVal, err
		}
		out["path"] = cty.StringVal(in.DestPath)
		return cty.ObjectVal(out), nil
	}

	if stat.Size > maxInline {
		return cty.NilVal, stage.Permanent(fmt.Errorf("object '%s/%s' is %d bytes; set 'dest_path' for objects over %d bytes", in.Bucket, in.Key, stat.Size, maxInline))
	}
	raw, err := io.ReadAll(obj)
	if err != nil {
		return cty.NilVal, classify(ctx, req, err, fmt.Sprintf("failed to read '%s/%s'", in.Bucket, in.Key))
	}
	out["content"] = cty.StringVal(string(raw))
	return cty.ObjectVal(out), nil
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return stage.Permanent(fmt.Errorf("failed to create directory for '%s': %w", path, err))
	}
	f, err := os.Create(path)
	if err != nil {
		return stage.Permanent(fmt.Errorf("failed to create '%s': %w", path, err))
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write '%s': %w", path, err)
	}
	return f.Close()
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func detectContentType(paths ...string) string {
	for _, p := range paths {
		if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

// classify wraps err with msg, marking client errors as permanent and
// transport failures as unhealthy connections. Server errors stay
// retryable.
func classify(ctx context.Context, req *stage.Request, err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == 0:
		if ctx.Err() == nil {
			req.MarkUnhealthy()
		}
		return wrapped
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return wrapped
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return stage.Permanent(wrapped)
	}
	return wrapped
}
