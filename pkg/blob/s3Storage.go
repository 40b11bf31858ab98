package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/zoff-tech/envelope-ingest/pkg/config"
)

const leasePrefix = ".leases/"

// S3Storage implements Storage against one S3-compatible account. Containers
// map to buckets. Leases are marker objects written with a conditional put, so
// mutual exclusion holds across replicas without any extra coordination
// service.
type S3Storage struct {
	client *s3.Client
}

func NewS3Storage(ctx context.Context, cfg config.AccountSettings) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "")))
	if err != nil {
		return nil, fmt.Errorf("failed to load storage credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{client: client}, nil
}

func (s *S3Storage) ListBlobs(ctx context.Context, container string) ([]Info, error) {
	var infos []Info
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list container %s: %w", container, err)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if len(name) >= len(leasePrefix) && name[:len(leasePrefix)] == leasePrefix {
				continue
			}
			infos = append(infos, Info{
				Name:      name,
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

func (s *S3Storage) ReadBlob(ctx context.Context, container, name string) ([]byte, Info, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, Info{}, ErrBlobNotFound
		}
		return nil, Info{}, fmt.Errorf("failed to read blob %s/%s: %w", container, name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to read blob body %s/%s: %w", container, name, err)
	}

	return data, Info{
		Name:      name,
		Size:      aws.ToInt64(out.ContentLength),
		CreatedAt: aws.ToTime(out.LastModified),
	}, nil
}

func (s *S3Storage) Upload(ctx context.Context, container, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob %s/%s: %w", container, name, err)
	}
	return nil
}

// UploadChunked runs a multipart upload with deterministic sequential part
// numbers. The blob becomes visible only once the assembled part list is
// committed; any error aborts the upload so no partial object remains.
func (s *S3Storage) UploadChunked(ctx context.Context, container, name string, data []byte, chunkSize int64) error {
	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to start chunked upload %s/%s: %w", container, name, err)
	}
	uploadID := create.UploadId

	var completed []types.CompletedPart
	for i, offset := 0, int64(0); offset < int64(len(data)); i, offset = i+1, offset+chunkSize {
		end := offset + chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		partNumber := int32(i + 1)

		part, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(container),
			Key:        aws.String(name),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data[offset:end]),
		})
		if err != nil {
			s.abortUpload(ctx, container, name, uploadID)
			return fmt.Errorf("failed to upload chunk %d of %s/%s: %w", partNumber, container, name, err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(container),
		Key:             aws.String(name),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		s.abortUpload(ctx, container, name, uploadID)
		return fmt.Errorf("failed to commit chunked upload %s/%s: %w", container, name, err)
	}
	return nil
}

func (s *S3Storage) abortUpload(ctx context.Context, container, name string, uploadID *string) {
	// Best effort; an orphaned upload is reaped by bucket lifecycle rules.
	s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(container),
		Key:      aws.String(name),
		UploadId: uploadID,
	})
}

func (s *S3Storage) DeleteBlob(ctx context.Context, container, name string) error {
	exists, err := s.Exists(ctx, container, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBlobNotFound
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s/%s: %w", container, name, err)
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, container, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s/%s: %w", container, name, err)
	}
	return true, nil
}

func (s *S3Storage) Snapshot(ctx context.Context, container, name string) error {
	snapshotName := fmt.Sprintf("%s@snapshot-%d", name, time.Now().UTC().UnixNano())
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(container),
		Key:        aws.String(snapshotName),
		CopySource: aws.String(url.PathEscape(container + "/" + name)),
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot blob %s/%s: %w", container, name, err)
	}
	return nil
}

func (s *S3Storage) AcquireLease(ctx context.Context, container, name string, ttl time.Duration) (*Lease, error) {
	marker := leasePrefix + name
	token := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)

	err := s.putLeaseMarker(ctx, container, marker, token, expiresAt)
	if err == nil {
		return &Lease{Container: container, Name: name, Token: token, ExpiresAt: expiresAt}, nil
	}
	if !isPreconditionFailed(err) {
		return nil, fmt.Errorf("failed to acquire lease on %s/%s: %w", container, name, err)
	}

	// Marker exists. Reclaim only if its lease expired.
	holderToken, holderExpiry, err := s.readLeaseMarker(ctx, container, marker)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			// Holder released between our put and read; contend next cycle.
			return nil, ErrLeaseHeld
		}
		return nil, err
	}
	if time.Now().UTC().Before(holderExpiry) {
		return nil, ErrLeaseHeld
	}

	s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(marker),
	})
	if err := s.putLeaseMarker(ctx, container, marker, token, expiresAt); err != nil {
		if isPreconditionFailed(err) {
			// Another replica reclaimed the expired lease first.
			return nil, ErrLeaseHeld
		}
		return nil, fmt.Errorf("failed to reclaim lease on %s/%s (holder %s): %w", container, name, holderToken, err)
	}
	return &Lease{Container: container, Name: name, Token: token, ExpiresAt: expiresAt}, nil
}

func (s *S3Storage) ReleaseLease(ctx context.Context, lease *Lease) error {
	marker := leasePrefix + lease.Name

	token, _, err := s.readLeaseMarker(ctx, lease.Container, marker)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil
		}
		return err
	}
	if token != lease.Token {
		// Lease expired and was reclaimed; the marker belongs to someone else.
		return nil
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(lease.Container),
		Key:    aws.String(marker),
	})
	if err != nil {
		return fmt.Errorf("failed to release lease on %s/%s: %w", lease.Container, lease.Name, err)
	}
	return nil
}

func (s *S3Storage) putLeaseMarker(ctx context.Context, container, marker, token string, expiresAt time.Time) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(container),
		Key:         aws.String(marker),
		Body:        bytes.NewReader(nil),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"lease-token":      token,
			"lease-expires-at": expiresAt.Format(time.RFC3339Nano),
		},
	})
	return err
}

func (s *S3Storage) readLeaseMarker(ctx context.Context, container, marker string) (string, time.Time, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(marker),
	})
	if err != nil {
		if isNotFound(err) {
			return "", time.Time{}, ErrBlobNotFound
		}
		return "", time.Time{}, fmt.Errorf("failed to read lease marker %s/%s: %w", container, marker, err)
	}
	token := out.Metadata["lease-token"]
	expiresAt, err := time.Parse(time.RFC3339Nano, out.Metadata["lease-expires-at"])
	if err != nil {
		// Unparseable marker counts as expired so a stuck blob self-heals.
		return token, time.Time{}, nil
	}
	return token, expiresAt, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}
