package upload

import (
	"context"
	"encoding/base64"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dmelo/chirp/internal/config"
	"github.com/dmelo/chirp/internal/rest"
)

// Uploader is the transport half of the pipeline, satisfied by *rest.Client.
type Uploader interface {
	UploadImage(ctx context.Context, path string, onProgress rest.ProgressFunc) (*rest.UploadResult, error)
	UploadDocument(ctx context.Context, path string, onProgress rest.ProgressFunc) (*rest.UploadResult, error)
}

var imageMimes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

var documentMimes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/csv":        true,
	"application/zip": true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
}

// previewLimit bounds how large an image still gets an inline preview.
const previewLimit = 2 << 20

// Pipeline validates and uploads attachments. Validation happens entirely
// before the first byte is sent.
type Pipeline struct {
	uploader Uploader
	maxBytes int64
	logger   *zap.Logger
}

// NewPipeline creates a pipeline bounded by the configured size limit.
func NewPipeline(cfg *config.Config, up Uploader, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		uploader: up,
		maxBytes: cfg.Upload.MaxBytes,
		logger:   logger.Named("upload"),
	}
}

const (
	stateActive = iota
	stateDone
	stateFailed
	stateCancelled
)

// Handle tracks one in-flight upload. Progress is monotonic; updates
// arriving after completion or cancellation are discarded.
type Handle struct {
	mu         sync.Mutex
	state      int
	progress   float64
	result     *rest.UploadResult
	err        error
	previewURL string
	name       string

	cancel context.CancelFunc
	done   chan struct{}
}

// Start validates the file and begins the upload in the background.
func (p *Pipeline) Start(ctx context.Context, path string) (*Handle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > p.maxBytes {
		return nil, &FileTooLargeError{Size: info.Size(), Max: p.maxBytes}
	}

	mimeType, err := detectMime(path)
	if err != nil {
		return nil, err
	}
	isImage := imageMimes[mimeType]
	if !isImage && !documentMimes[mimeType] {
		return nil, &UnsupportedTypeError{MimeType: mimeType}
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
		name:   filepath.Base(path),
	}
	if isImage && info.Size() <= previewLimit {
		if preview, err := dataURL(path, mimeType); err == nil {
			h.previewURL = preview
		}
	}

	go func() {
		defer cancel()
		var res *rest.UploadResult
		var err error
		if isImage {
			res, err = p.uploader.UploadImage(ctx, path, h.onProgress)
		} else {
			res, err = p.uploader.UploadDocument(ctx, path, h.onProgress)
		}
		h.finish(res, err, ctx.Err())
		if err != nil {
			p.logger.Warn("upload ended with error", zap.String("file", h.name), zap.Error(err))
		} else {
			p.logger.Info("upload complete", zap.String("file", h.name), zap.String("url", res.URL))
		}
	}()
	return h, nil
}

// Progress returns completed fraction in [0, 1].
func (h *Handle) Progress() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// PreviewURL returns an inline data URL for image attachments, or "".
func (h *Handle) PreviewURL() string {
	return h.previewURL
}

// Name returns the attachment's file name.
func (h *Handle) Name() string {
	return h.name
}

// Cancel aborts the upload. Safe to call at any point. The handle stops
// accepting progress updates immediately, before the transport notices the
// dead context.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.state == stateActive {
		h.state = stateCancelled
	}
	h.mu.Unlock()
	h.cancel()
}

// Done is closed when the upload settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the upload settles and returns its outcome.
func (h *Handle) Wait() (*rest.UploadResult, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *Handle) onProgress(sent, total int64) {
	if total <= 0 {
		return
	}
	frac := float64(sent) / float64(total)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateActive {
		return
	}
	if frac > h.progress {
		h.progress = frac
	}
}

func (h *Handle) finish(res *rest.UploadResult, err, ctxErr error) {
	h.mu.Lock()
	switch {
	case h.state == stateCancelled:
		h.err = ErrCancelled
	case err == nil:
		h.state = stateDone
		h.result = res
		h.progress = 1
	case ctxErr != nil:
		h.state = stateCancelled
		h.err = ErrCancelled
	default:
		h.state = stateFailed
		h.err = err
	}
	h.mu.Unlock()
	close(h.done)
}

func detectMime(path string) (string, error) {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		mt, _, err := mime.ParseMediaType(byExt)
		if err == nil {
			return mt, nil
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, 512)
	n, _ := f.Read(head)
	mt, _, err := mime.ParseMediaType(http.DetectContentType(head[:n]))
	if err != nil {
		return "", err
	}
	return mt, nil
}

func dataURL(path, mimeType string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(mimeType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(raw))
	return b.String(), nil
}
