package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// partSize is the S3 minimum multipart part size. Archives above it are
// uploaded in parts.
const partSize int64 = 5 * 1024 * 1024

// Writer uploads archives to the client's bucket.
type Writer struct {
	client   *s3.Client
	bucket   string
	uploader *manager.Uploader
}

func NewWriter(c *Client) *Writer {
	client := c.S3()
	return &Writer{
		client: client,
		bucket: c.Bucket(),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
	}
}

// PutArchive uploads obj with its symbol, record count and time range as
// object metadata.
func (w *Writer) PutArchive(ctx context.Context, obj domain.ArchiveObject) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(obj.Key),
		Body:        bytes.NewReader(obj.Body),
		ContentType: aws.String(obj.ContentType),
		Metadata:    archiveMetadata(obj),
	}

	if int64(len(obj.Body)) <= partSize {
		input.ContentLength = aws.Int64(int64(len(obj.Body)))
		if _, err := w.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("s3blob: put archive %s: %w", obj.Key, err)
		}
		return nil
	}
	if _, err := w.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: multipart archive %s: %w", obj.Key, err)
	}
	return nil
}

func archiveMetadata(obj domain.ArchiveObject) map[string]string {
	md := map[string]string{
		"symbol":  obj.Symbol,
		"records": strconv.Itoa(obj.Records),
	}
	if !obj.From.IsZero() {
		md["from"] = obj.From.UTC().Format(time.RFC3339Nano)
	}
	if !obj.To.IsZero() {
		md["to"] = obj.To.UTC().Format(time.RFC3339Nano)
	}
	return md
}

var _ domain.BlobWriter = (*Writer)(nil)
