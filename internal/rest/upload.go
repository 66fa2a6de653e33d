package rest

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// UploadResult is the stored attachment reference returned by the backend.
// The reference outlives the upload: retrying a failed send reuses it
// without uploading again.
type UploadResult struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// ProgressFunc receives upload progress as bytes sent out of total.
type ProgressFunc func(sent, total int64)

// UploadImage uploads an image file and returns its stored reference.
func (c *Client) UploadImage(ctx context.Context, path string, onProgress ProgressFunc) (*UploadResult, error) {
	return c.uploadFile(ctx, "/uploads/image", path, onProgress)
}

// UploadDocument uploads a generic file and returns its stored reference.
func (c *Client) UploadDocument(ctx context.Context, path string, onProgress ProgressFunc) (*UploadResult, error) {
	return c.uploadFile(ctx, "/uploads/document", path, onProgress)
}

func (c *Client) uploadFile(ctx context.Context, endpoint, path string, onProgress ProgressFunc) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	total := info.Size()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		src := io.Reader(f)
		if onProgress != nil {
			src = &progressReader{r: f, total: total, fn: onProgress}
		}
		if _, err := io.Copy(part, src); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// progressReader reports cumulative bytes read from the underlying file.
type progressReader struct {
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
