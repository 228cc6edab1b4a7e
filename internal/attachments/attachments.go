// Package attachments validates uploads and hands them to the file store. The
// descriptors it returns stay inert until a message embeds them.
package attachments

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"parley/internal/filestore"
	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/storage"

	"github.com/h2non/filetype"
	"golang.org/x/sync/errgroup"
)

var DefaultAllowedTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"video/mp4",
	"video/webm",
	"audio/mpeg",
	"audio/ogg",
	"application/pdf",
	"text/plain",
}

// File is one raw upload.
type File struct {
	Name         string
	DeclaredType string
	Data         []byte
}

// Rejection explains why a single file of an upload was not stored.
type Rejection struct {
	Index    int    `json:"index"`
	FileName string `json:"fileName"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

// Result lists the stored descriptors in upload order, skipping rejected files.
type Result struct {
	Attachments []models.Attachment `json:"attachments"`
	Rejected    []Rejection         `json:"rejected,omitempty"`
}

type Metadata interface {
	UpsertFileMetadata(meta storage.FileMetadata) error
}

type Limits struct {
	MaxFiles     int
	MaxFileSize  int64
	MaxTotalSize int64
	AllowedTypes []string
}

type Coordinator struct {
	files   filestore.FileStore
	meta    Metadata
	limits  Limits
	allowed map[string]struct{}
	now     func() time.Time
}

func New(files filestore.FileStore, meta Metadata, limits Limits) *Coordinator {
	if len(limits.AllowedTypes) == 0 {
		limits.AllowedTypes = DefaultAllowedTypes
	}
	allowed := make(map[string]struct{}, len(limits.AllowedTypes))
	for _, t := range limits.AllowedTypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}
	return &Coordinator{
		files:   files,
		meta:    meta,
		limits:  limits,
		allowed: allowed,
		now:     time.Now,
	}
}

// Upload stores every acceptable file and reports the others as rejections. Limits
// on count and total size apply to the request as a whole.
func (c *Coordinator) Upload(ctx context.Context, uploaderID string, files []File) (Result, error) {
	if err := models.ValidateID(uploaderID); err != nil {
		return Result{}, err
	}
	if len(files) == 0 {
		return Result{}, fmt.Errorf("%w: no files", models.ErrValidation)
	}
	if c.limits.MaxFiles > 0 && len(files) > c.limits.MaxFiles {
		metrics.Attachments.WithLabelValues("too_large").Add(float64(len(files)))
		return Result{}, fmt.Errorf("%w: %d files, at most %d allowed", models.ErrPayloadTooLarge, len(files), c.limits.MaxFiles)
	}
	var total int64
	for _, f := range files {
		size := int64(len(f.Data))
		if c.limits.MaxFileSize > 0 && size > c.limits.MaxFileSize {
			metrics.Attachments.WithLabelValues("too_large").Add(float64(len(files)))
			return Result{}, fmt.Errorf("%w: %s exceeds %d bytes", models.ErrPayloadTooLarge, f.Name, c.limits.MaxFileSize)
		}
		total += size
	}
	if c.limits.MaxTotalSize > 0 && total > c.limits.MaxTotalSize {
		metrics.Attachments.WithLabelValues("too_large").Add(float64(len(files)))
		return Result{}, fmt.Errorf("%w: %d bytes, at most %d allowed", models.ErrPayloadTooLarge, total, c.limits.MaxTotalSize)
	}

	var result Result
	stored := make([]*models.Attachment, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		mimeType, err := c.check(f)
		if err != nil {
			metrics.Attachments.WithLabelValues("rejected").Inc()
			result.Rejected = append(result.Rejected, Rejection{
				Index:    i,
				FileName: f.Name,
				Code:     models.ErrorCode(err),
				Reason:   err.Error(),
			})
			continue
		}

		g.Go(func() error {
			a, err := c.store(gctx, uploaderID, f, mimeType)
			if err != nil {
				return err
			}
			stored[i] = &a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.Attachments.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}

	result.Attachments = make([]models.Attachment, 0, len(files))
	for _, a := range stored {
		if a != nil {
			result.Attachments = append(result.Attachments, *a)
		}
	}
	metrics.Attachments.WithLabelValues("stored").Add(float64(len(result.Attachments)))
	return result, nil
}

// check returns the normalized MIME type of f, or an ErrUnsupportedMediaType when the
// declared type is not allowed or does not match the content.
func (c *Coordinator) check(f File) (string, error) {
	declared, _, err := mime.ParseMediaType(f.DeclaredType)
	if err != nil {
		return "", fmt.Errorf("%w: %s has no valid content type", models.ErrUnsupportedMediaType, f.Name)
	}
	declared = strings.ToLower(declared)
	if _, ok := c.allowed[declared]; !ok {
		return "", fmt.Errorf("%w: %s is %s", models.ErrUnsupportedMediaType, f.Name, declared)
	}
	if len(f.Data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", models.ErrValidation, f.Name)
	}

	kind, err := filetype.Match(f.Data)
	switch {
	case err != nil || kind == filetype.Unknown:
		// Plain text has no signature to sniff.
		if !strings.HasPrefix(declared, "text/") {
			return "", fmt.Errorf("%w: content of %s is not %s", models.ErrUnsupportedMediaType, f.Name, declared)
		}
	case kind.MIME.Value != declared:
		return "", fmt.Errorf("%w: %s declared as %s but contains %s", models.ErrUnsupportedMediaType, f.Name, declared, kind.MIME.Value)
	}
	return declared, nil
}

func (c *Coordinator) store(ctx context.Context, uploaderID string, f File, mimeType string) (models.Attachment, error) {
	id, err := c.files.Store(ctx, f.Data)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to store %s: %w", f.Name, err)
	}
	a := models.Attachment{
		FilePath: id,
		FileName: f.Name,
		Kind:     KindOf(mimeType),
		MimeType: mimeType,
		Size:     int64(len(f.Data)),
	}
	err = c.meta.UpsertFileMetadata(storage.FileMetadata{
		ID:        id,
		Name:      a.FileName,
		MimeType:  a.MimeType,
		Kind:      string(a.Kind),
		Size:      a.Size,
		CreatedAt: c.now().Unix(),
		UserID:    uploaderID,
	})
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to record %s: %w", f.Name, err)
	}
	return a, nil
}

// KindOf maps a MIME type to the media kind shown by clients.
func KindOf(mimeType string) models.MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MediaAudio
	}
	return models.MediaFile
}
