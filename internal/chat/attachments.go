package chat

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"helixstream/internal/api"
	"helixstream/internal/ledger"

	"golang.org/x/sync/errgroup"
)

type Uploader interface {
	UploadFile(ctx context.Context, f api.File) (api.UploadedFile, error)
}

type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload attachment %q: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

func (c *Coordinator) uploadAttachments(ctx context.Context, chatID string, in []Attachment) ([]string, []string, error) {
	if len(in) == 0 {
		return nil, nil, nil
	}
	if c.uploader == nil {
		return nil, nil, &UploadError{Name: in[0].Name, Err: fmt.Errorf("no uploader configured")}
	}
	uploaded := make([]api.UploadedFile, len(in))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range in {
		g.Go(func() error {
			f, err := c.uploader.UploadFile(gctx, api.File{
				Name:        a.Name,
				ContentType: a.ContentType,
				Reader:      bytes.NewReader(a.Data),
			})
			if err != nil {
				return &UploadError{Name: a.Name, Err: err}
			}
			uploaded[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var images, files []string
	for i, f := range uploaded {
		contentType := f.ContentType
		if contentType == "" {
			contentType = in[i].ContentType
		}
		if isImage(contentType) {
			images = append(images, f.URI)
		} else {
			files = append(files, f.URI)
		}
		c.recordUpload(ctx, chatID, f)
	}
	c.log.Debug("attachments uploaded", "images", len(images), "files", len(files))
	return images, files, nil
}

func (c *Coordinator) recordUpload(ctx context.Context, chatID string, f api.UploadedFile) {
	if c.cfg.Journal == nil {
		return
	}
	err := c.cfg.Journal.CreateUpload(ctx, ledger.UploadRecord{
		FileID:      f.ID,
		URI:         f.URI,
		Filename:    f.Filename,
		ContentType: f.ContentType,
		SizeBytes:   f.Size,
		SHA256:      f.SHA256,
		ChatID:      chatID,
	})
	if err != nil {
		c.log.Debug("journal upload record failed", "file_id", f.ID, "error", err)
	}
}
