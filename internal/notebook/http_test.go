package notebook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type stubUploadService struct {
	upload    *Upload
	err       error
	discarded []*Upload
}

func (s *stubUploadService) PrepareUpload(ctx context.Context, file *multipart.FileHeader, originalName string) (*Upload, error) {
	if s.err != nil {
		return nil, s.err
	}
	u := *s.upload
	if originalName != "" {
		u.OriginalFilename = originalName
	}
	return &u, nil
}

func (s *stubUploadService) DiscardUpload(upload *Upload) error {
	s.discarded = append(s.discarded, upload)
	return nil
}

type stubScheduler struct {
	conv *Conversion
	err  error
	got  *Upload
}

func (s *stubScheduler) Schedule(ctx context.Context, upload *Upload) (*Conversion, error) {
	s.got = upload
	return s.conv, s.err
}

func newUploadRequest(t *testing.T, withFile bool, originalName string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if withFile {
		part, err := writer.CreateFormFile(fieldNotebookFile, "input.ipynb")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write([]byte(validNotebook)); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if originalName != "" {
		if err := writer.WriteField(fieldOriginalFilename, originalName); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func serveUpload(svc UploadService, opts HandlerOptions, req *http.Request) *httptest.ResponseRecorder {
	router := gin.New()
	router.POST("/api/upload/", UploadHandler(svc, opts))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestUploadHandlerCreated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &stubUploadService{upload: &Upload{OriginalFilename: "input.ipynb", NotebookKey: "notebooks/a.ipynb", Size: 10}}
	scheduler := &stubScheduler{conv: &Conversion{
		ID:               7,
		OriginalFilename: "analysis.ipynb",
		NotebookFile:     "/media/notebooks/a.ipynb",
		Status:           "pending",
		CreatedAt:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}}

	rec := serveUpload(svc, HandlerOptions{Scheduler: scheduler, MaxFileSize: 1 << 20}, newUploadRequest(t, true, "analysis.ipynb"))

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if scheduler.got == nil || scheduler.got.OriginalFilename != "analysis.ipynb" {
		t.Fatalf("scheduler received %+v", scheduler.got)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["id"] != float64(7) || payload["status"] != "pending" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if v, ok := payload["pdf_url"]; !ok || v != nil {
		t.Fatalf("expected pdf_url to be null, got %v", v)
	}
}

func TestUploadHandlerMissingFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &stubUploadService{}

	rec := serveUpload(svc, HandlerOptions{Scheduler: &stubScheduler{}}, newUploadRequest(t, false, ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(payload["notebook_file"]) != 1 || payload["notebook_file"][0] != "No file was submitted." {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestUploadHandlerValidationError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &stubUploadService{err: newError(CodeUnsupportedType, "Only Jupyter Notebook files (.ipynb) are allowed.", nil)}

	rec := serveUpload(svc, HandlerOptions{Scheduler: &stubScheduler{}}, newUploadRequest(t, true, ""))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["notebook_file"][0] != "Only Jupyter Notebook files (.ipynb) are allowed." {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestUploadHandlerScheduleFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name        string
		conv        *Conversion
		wantDiscard int
	}{
		{name: "record not created", conv: nil, wantDiscard: 1},
		{name: "record marked failed", conv: &Conversion{ID: 3, Status: "failed"}, wantDiscard: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubUploadService{upload: &Upload{OriginalFilename: "input.ipynb", NotebookKey: "notebooks/a.ipynb"}}
			scheduler := &stubScheduler{conv: tt.conv, err: errors.New("redis unavailable")}

			rec := serveUpload(svc, HandlerOptions{Scheduler: scheduler}, newUploadRequest(t, true, ""))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if payload["error"] != "Failed to start conversion" || payload["details"] != "redis unavailable" {
				t.Fatalf("unexpected payload: %v", payload)
			}
			if len(svc.discarded) != tt.wantDiscard {
				t.Fatalf("discarded %d uploads, want %d", len(svc.discarded), tt.wantDiscard)
			}
		})
	}
}

func TestUploadHandlerBodyTooLarge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &stubUploadService{upload: &Upload{}}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile(fieldNotebookFile, "big.ipynb")
	_, _ = part.Write(bytes.Repeat([]byte("x"), multipartOverhead+2048))
	_ = writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := serveUpload(svc, HandlerOptions{Scheduler: &stubScheduler{}, MaxFileSize: 1024}, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
}
