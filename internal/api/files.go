package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrFileTooLarge = errors.New("file exceeds max upload size")

type File struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

type UploadedFile struct {
	ID          string `json:"id"`
	URI         string `json:"uri"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

type createFileRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

type createFileResponse struct {
	ID        string `json:"id"`
	URI       string `json:"uri"`
	UploadURL string `json:"upload_url"`
}

func (c *Client) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

func (c *Client) UploadFile(ctx context.Context, f File) (UploadedFile, error) {
	if f.Reader == nil {
		return UploadedFile{}, fmt.Errorf("upload %s: file stream is required", f.Name)
	}
	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = "upload.bin"
	}
	contentType := strings.TrimSpace(f.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	hash := sha256.New()
	limit := c.maxUploadBytes
	lr := &io.LimitedReader{R: f.Reader, N: limit + 1}
	n, err := io.Copy(io.MultiWriter(&buf, hash), lr)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("upload %s: read: %w", name, err)
	}
	if n > limit {
		return UploadedFile{}, fmt.Errorf("upload %s: %w", name, ErrFileTooLarge)
	}
	sum := hex.EncodeToString(hash.Sum(nil))

	var created createFileResponse
	if err := c.Do(ctx, http.MethodPost, "/files", createFileRequest{
		Filename:    name,
		ContentType: contentType,
		Size:        n,
		SHA256:      sum,
	}, &created); err != nil {
		return UploadedFile{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if created.UploadURL == "" {
		return UploadedFile{}, fmt.Errorf("upload %s: api returned no upload url", name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, created.UploadURL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return UploadedFile{}, fmt.Errorf("upload %s: %w", name, err)
	}
	req.ContentLength = n
	req.Header.Set("Content-Type", contentType)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("upload %s: put: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UploadedFile{}, fmt.Errorf("upload %s: put: %w", name, &APIError{StatusCode: resp.StatusCode})
	}

	uri := created.URI
	if uri == "" {
		uri = strings.SplitN(created.UploadURL, "?", 2)[0]
	}
	return UploadedFile{
		ID:          created.ID,
		URI:         uri,
		Filename:    name,
		ContentType: contentType,
		Size:        n,
		SHA256:      sum,
	}, nil
}
