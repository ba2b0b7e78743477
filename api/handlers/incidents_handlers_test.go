package handlers

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
)

func TestReadFilesStreamsFromParsedForm(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	content := strings.Repeat("evidence ", 4096)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="files"; filename="capture.log"`)
	hdr.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/incidents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	// A tiny memory budget forces the part onto disk.
	if err := req.ParseMultipartForm(1024); err != nil {
		t.Fatalf("parse: %v", err)
	}
	defer req.MultipartForm.RemoveAll()

	h := &IncidentsHandler{}
	files, err := h.readFiles(req)
	if err != nil {
		t.Fatalf("read files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one file, got %d", len(files))
	}
	up := files[0]
	if up.FileName != "capture.log" || up.ContentType != "text/plain" {
		t.Fatalf("unexpected upload %+v", up)
	}
	if up.Size != int64(len(content)) {
		t.Fatalf("size must come from the part header: got %d, want %d", up.Size, len(content))
	}
	for i := 0; i < 2; i++ {
		rc, err := up.Open()
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil || string(data) != content {
			t.Fatalf("open %d must return the whole part from the start", i)
		}
	}
}

func TestReadFilesRejectsTooManyParts(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i := 0; i <= maxFilesPerRequest; i++ {
		w, _ := mw.CreateFormFile("files[]", "f.txt")
		w.Write([]byte("x"))
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/incidents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := (&IncidentsHandler{}).readFiles(req); err == nil {
		t.Fatalf("expected too many files to be refused")
	}
}
