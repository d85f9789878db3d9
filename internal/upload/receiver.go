// Package upload persists streamed multipart uploads into the cache
// directory under paths derived from the job identity.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/upscaler/internal/media"
)

const chunkSize = 32 * 1024

var (
	ErrMalformedUpload = errors.New("malformed upload")
	ErrStorage         = errors.New("storage error")
	ErrTransport       = errors.New("transport error")
	// ErrTooLarge wraps ErrTransport: the body exceeded the request limit.
	ErrTooLarge = fmt.Errorf("%w: upload too large", ErrTransport)
)

type Upload struct {
	Filename string
	Path     string
	Bytes    int64
}

type Receiver struct {
	CacheDir string
}

// SourcePath is where the input of jobID is stored. The client filename only
// contributes a sanitized extension.
func (r Receiver) SourcePath(jobID, filename string) string {
	return filepath.Join(r.CacheDir, sanitizePathToken(jobID)+"_source"+media.SourceExtension(filename))
}

// OutputPath is where the upscaler writes the artifact for jobID.
func (r Receiver) OutputPath(jobID, ext string) string {
	return filepath.Join(r.CacheDir, sanitizePathToken(jobID)+ext)
}

// Receive consumes every part of mr. Only the last part is kept.
func (r Receiver) Receive(ctx context.Context, jobID string, mr *multipart.Reader) (Upload, error) {
	if strings.TrimSpace(r.CacheDir) == "" {
		return Upload{}, fmt.Errorf("%w: cache directory is not configured", ErrStorage)
	}

	var (
		last  Upload
		parts int
	)
	for {
		if err := ctx.Err(); err != nil {
			return Upload{}, fmt.Errorf("%w: %w", ErrTransport, err)
		}

		part, err := mr.NextPart()
		// NextPart wraps io.EOF when the stream ends before the closing
		// boundary; only the bare value means a clean end.
		if err == io.EOF {
			break
		}
		if err != nil {
			return Upload{}, classifyReadError(err, ErrMalformedUpload)
		}

		up, err := r.savePart(jobID, part)
		_ = part.Close()
		if err != nil {
			return Upload{}, err
		}
		last = up
		parts++
	}

	if parts == 0 {
		return Upload{}, fmt.Errorf("%w: no file part in request", ErrMalformedUpload)
	}
	return last, nil
}

func (r Receiver) savePart(jobID string, part *multipart.Part) (Upload, error) {
	filename := part.FileName()
	if strings.TrimSpace(filename) == "" {
		return Upload{}, fmt.Errorf("%w: part %q has no filename", ErrMalformedUpload, part.FormName())
	}

	path := r.SourcePath(jobID, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, fmt.Errorf("%w: create %s: %w", ErrStorage, path, err)
	}

	written, err := copyChunks(f, part)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: close %s: %w", ErrStorage, path, closeErr)
	}
	if err != nil {
		return Upload{}, err
	}

	return Upload{Filename: filename, Path: path, Bytes: written}, nil
}

// copyChunks keeps read and write failures apart so they classify differently.
func copyChunks(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, fmt.Errorf("%w: write: %w", ErrStorage, err)
			}
			if w != n {
				return written, fmt.Errorf("%w: write: %w", ErrStorage, io.ErrShortWrite)
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, classifyReadError(readErr, ErrTransport)
		}
	}
}

func classifyReadError(err error, fallback error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return fmt.Errorf("%w: limit %d bytes", ErrTooLarge, maxBytes.Limit)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return fmt.Errorf("%w: %w", fallback, err)
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
