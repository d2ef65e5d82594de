// Package outputs manages build artifacts after runs finish: listing,
// zip downloads with expiry enforcement, and retention cleanup.
package outputs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
	"github.com/forgeline-labs/forgeline/internal/repo"
	"github.com/forgeline-labs/forgeline/internal/storage/objectstore"
)

// ErrExpired marks a download attempt past the output's expiry.
var ErrExpired = errors.New("build output expired")

// ErrNotDownloadable marks a download attempt against an output that has
// no stored archive, such as a container image row.
var ErrNotDownloadable = errors.New("build output is not downloadable")

const cleanupBatchSize = 500

// ImageRemover deletes a locally built image. A missing image is not an
// error.
type ImageRemover interface {
	Remove(ctx context.Context, reference string) error
}

type Service struct {
	outputs repo.OutputRepository
	store   objectstore.Store
	bucket  string
	images  ImageRemover
}

// New wires the output service. The image remover may be nil; cleanup
// then deletes expired image rows without touching the Docker daemon.
func New(outputRepo repo.OutputRepository, store objectstore.Store, bucket string, images ImageRemover) *Service {
	if outputRepo == nil || store == nil {
		return nil
	}
	return &Service{outputs: outputRepo, store: store, bucket: bucket, images: images}
}

func (s *Service) Get(ctx context.Context, id string) (domain.BuildOutput, error) {
	return s.outputs.GetOutput(ctx, id)
}

func (s *Service) List(ctx context.Context, filter repo.OutputFilter) ([]domain.BuildOutput, error) {
	if filter.Type != "" && !filter.Type.ValidForOutput() {
		verr := &domain.ValidationError{}
		verr.Addf("output type filter must be zip or container_image, got %q", filter.Type)
		return nil, verr.OrNil()
	}
	return s.outputs.ListOutputs(ctx, filter)
}

// DownloadInfo describes a streamed archive download.
type DownloadInfo struct {
	Output   domain.BuildOutput
	Filename string
	Size     int64
}

// Download streams a stored zip archive and counts the download. The
// caller closes the reader. Rows whose stored object is gone read as not
// found; expired rows read as ErrExpired until cleanup collects them.
func (s *Service) Download(ctx context.Context, id string) (io.ReadCloser, DownloadInfo, error) {
	out, err := s.outputs.GetOutput(ctx, id)
	if err != nil {
		return nil, DownloadInfo{}, err
	}
	if out.Type != domain.OutputTypeZip || out.FilePath == "" {
		return nil, DownloadInfo{}, ErrNotDownloadable
	}
	if out.Expired(time.Now().UTC()) {
		return nil, DownloadInfo{}, ErrExpired
	}

	body, info, err := s.store.Get(ctx, s.bucket, out.FilePath)
	if err != nil {
		if objectstore.IsNotExist(err) {
			return nil, DownloadInfo{}, repo.ErrNotFound
		}
		return nil, DownloadInfo{}, fmt.Errorf("open stored archive %s: %w", out.FilePath, err)
	}
	if err := s.outputs.IncrementDownloadCount(ctx, id); err != nil {
		body.Close()
		return nil, DownloadInfo{}, fmt.Errorf("count download: %w", err)
	}

	size := info.Size
	if size == 0 {
		size = out.FileSizeBytes
	}
	return body, DownloadInfo{
		Output:   out,
		Filename: downloadFilename(out),
		Size:     size,
	}, nil
}

func downloadFilename(out domain.BuildOutput) string {
	return fmt.Sprintf("custom_build_%s_%s.zip", out.RunID, out.CreatedAt.UTC().Format("20060102_150405"))
}

// CleanupResult counts what one cleanup pass removed.
type CleanupResult struct {
	FilesCleaned  int `json:"files_cleaned"`
	ImagesCleaned int `json:"images_cleaned"`
}

// CleanupExpired removes expired zip archives and expired unpublished
// local images, rows included. Published images carry no expiry and are
// never touched. Running it with nothing to clean is a no-op.
func (s *Service) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	now := time.Now().UTC()

	expired, err := s.outputs.ListExpiredOutputs(ctx, now, cleanupBatchSize)
	if err != nil {
		return result, fmt.Errorf("list expired outputs: %w", err)
	}
	for _, out := range expired {
		if out.ExpiresAt == nil {
			continue
		}
		switch out.Type {
		case domain.OutputTypeZip:
			if out.FilePath != "" {
				if err := s.store.Delete(ctx, s.bucket, out.FilePath); err != nil && !objectstore.IsNotExist(err) {
					return result, fmt.Errorf("delete stored archive %s: %w", out.FilePath, err)
				}
			}
			if err := s.deleteRow(ctx, out.ID); err != nil {
				return result, err
			}
			result.FilesCleaned++
		case domain.OutputTypeImage:
			if out.ImageReference != "" && s.images != nil {
				if err := s.images.Remove(ctx, out.ImageReference); err != nil {
					return result, fmt.Errorf("remove local image %s: %w", out.ImageReference, err)
				}
			}
			if err := s.deleteRow(ctx, out.ID); err != nil {
				return result, err
			}
			result.ImagesCleaned++
		}
	}
	return result, nil
}

// deleteRow tolerates a row another cleanup pass already removed.
func (s *Service) deleteRow(ctx context.Context, id string) error {
	if err := s.outputs.DeleteOutput(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete output row %s: %w", id, err)
	}
	return nil
}
