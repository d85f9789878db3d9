package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReceiveWritesPartToJobKeyedPath(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("0123456789"), 10_000)
	body, contentType := buildMultipart(t, filePart{field: "file", name: "a.png", data: payload})

	up, err := Receiver{CacheDir: dir}.Receive(context.Background(), "job-1", newReader(t, body, contentType))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	if up.Filename != "a.png" {
		t.Fatalf("expected filename a.png, got %s", up.Filename)
	}
	if want := filepath.Join(dir, "job-1_source.png"); up.Path != want {
		t.Fatalf("expected path %s, got %s", want, up.Path)
	}
	if up.Bytes != int64(len(payload)) {
		t.Fatalf("expected %d bytes, got %d", len(payload), up.Bytes)
	}
	got, err := os.ReadFile(up.Path)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("stored bytes differ from upload")
	}
}

func TestReceiveIgnoresClientPathComponents(t *testing.T) {
	dir := t.TempDir()
	body, contentType := buildMultipart(t, filePart{field: "file", name: "../../escape.png", data: []byte("x")})

	up, err := Receiver{CacheDir: dir}.Receive(context.Background(), "job-2", newReader(t, body, contentType))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if filepath.Dir(up.Path) != dir {
		t.Fatalf("expected file inside %s, got %s", dir, up.Path)
	}
}

func TestReceiveKeepsLastPart(t *testing.T) {
	dir := t.TempDir()
	body, contentType := buildMultipart(t,
		filePart{field: "file", name: "first.jpg", data: []byte("first")},
		filePart{field: "file", name: "second.png", data: []byte("second")},
	)

	up, err := Receiver{CacheDir: dir}.Receive(context.Background(), "job-3", newReader(t, body, contentType))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if up.Filename != "second.png" {
		t.Fatalf("expected last filename, got %s", up.Filename)
	}
	got, _ := os.ReadFile(up.Path)
	if string(got) != "second" {
		t.Fatalf("expected last part contents, got %q", got)
	}
}

func TestReceiveMissingFilename(t *testing.T) {
	body, contentType := buildMultipart(t, filePart{field: "file", data: []byte("no name")})

	_, err := Receiver{CacheDir: t.TempDir()}.Receive(context.Background(), "job-4", newReader(t, body, contentType))
	if !errors.Is(err, ErrMalformedUpload) {
		t.Fatalf("expected ErrMalformedUpload, got %v", err)
	}
}

func TestReceiveNoParts(t *testing.T) {
	body, contentType := buildMultipart(t)

	_, err := Receiver{CacheDir: t.TempDir()}.Receive(context.Background(), "job-5", newReader(t, body, contentType))
	if !errors.Is(err, ErrMalformedUpload) {
		t.Fatalf("expected ErrMalformedUpload, got %v", err)
	}
}

func TestReceiveStorageError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does", "not", "exist")
	body, contentType := buildMultipart(t, filePart{field: "file", name: "a.png", data: []byte("x")})

	_, err := Receiver{CacheDir: missing}.Receive(context.Background(), "job-6", newReader(t, body, contentType))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestReceiveTruncatedBody(t *testing.T) {
	body, contentType := buildMultipart(t, filePart{field: "file", name: "a.png", data: bytes.Repeat([]byte("z"), 4096)})
	truncated := body[:len(body)/2]

	_, err := Receiver{CacheDir: t.TempDir()}.Receive(context.Background(), "job-7", newReader(t, truncated, contentType))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestReceiveTooLarge(t *testing.T) {
	body, contentType := buildMultipart(t, filePart{field: "file", name: "a.png", data: bytes.Repeat([]byte("z"), 64*1024)})

	req := httptest.NewRequest(http.MethodPost, "/upscale", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Body = http.MaxBytesReader(httptest.NewRecorder(), req.Body, 1024)
	mr, err := req.MultipartReader()
	if err != nil {
		t.Fatalf("multipart reader: %v", err)
	}

	_, err = Receiver{CacheDir: t.TempDir()}.Receive(context.Background(), "job-8", mr)
	if !errors.Is(err, ErrTooLarge) || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTooLarge wrapping ErrTransport, got %v", err)
	}
}

type filePart struct {
	field string
	name  string
	data  []byte
}

func buildMultipart(t *testing.T, parts ...filePart) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		disposition := `form-data; name="` + p.field + `"`
		if p.name != "" {
			disposition += `; filename="` + p.name + `"`
		}
		h.Set("Content-Disposition", disposition)
		h.Set("Content-Type", "application/octet-stream")
		pw, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := pw.Write(p.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes(), w.FormDataContentType()
}

func newReader(t *testing.T, body []byte, contentType string) *multipart.Reader {
	t.Helper()

	boundary := strings.TrimPrefix(contentType, "multipart/form-data; boundary=")
	return multipart.NewReader(io.NopCloser(bytes.NewReader(body)), boundary)
}
