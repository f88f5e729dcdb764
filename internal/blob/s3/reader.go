package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/multistreambook/internal/domain"
)

// Reader downloads archives for replay.
type Reader struct {
	client *s3.Client
	bucket string
}

func NewReader(c *Client) *Reader {
	return &Reader{client: c.S3(), bucket: c.Bucket()}
}

// Get opens the archive at key. The caller closes the body.
func (r *Reader) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", key, err)
	}
	return out.Body, nil
}

// List returns the archives under prefix in key order. Folder markers
// created by bucket consoles are skipped.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.ArchiveInfo, error) {
	var infos []domain.ArchiveInfo
	pages := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if info, ok := archiveInfo(obj); ok {
				infos = append(infos, info)
			}
		}
	}
	return infos, nil
}

func archiveInfo(obj types.Object) (domain.ArchiveInfo, bool) {
	key := aws.ToString(obj.Key)
	if key == "" || strings.HasSuffix(key, "/") {
		return domain.ArchiveInfo{}, false
	}
	info := domain.ArchiveInfo{Key: key, Size: aws.ToInt64(obj.Size)}
	if obj.LastModified != nil {
		info.LastModified = *obj.LastModified
	}
	return info, true
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	// Some S3-compatible providers only report the status code.
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.BlobReader = (*Reader)(nil)
