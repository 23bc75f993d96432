package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLocalStore_PutAndOpen(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	info, err := store.Put(ctx, "notes.txt", "text/plain", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.ID == "" || info.Size != int64(len("hello world")) {
		t.Errorf("info: got %+v", info)
	}

	got, rc, err := store.Open(ctx, info.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "hello world" {
		t.Errorf("content: got %q", body)
	}
	if got.Filename != "notes.txt" {
		t.Errorf("filename: got %q", got.Filename)
	}
}

func TestLocalStore_IndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	info, err := first.Put(ctx, "a.txt", "text/plain", strings.NewReader("a"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	second, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	files, _ := second.List(ctx)
	if len(files) != 1 || files[0].ID != info.ID {
		t.Fatalf("files after reopen: got %+v", files)
	}
}

func TestLocalStore_Delete(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	ctx := context.Background()
	info, _ := store.Put(ctx, "x.bin", "", bytes.NewReader([]byte{1, 2, 3}))

	if err := store.Delete(ctx, info.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := store.Open(ctx, info.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after delete: got %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, info.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: got %v, want ErrNotFound", err)
	}
}

func TestExtractText_PlainText(t *testing.T) {
	got, err := ExtractText("text/plain; charset=utf-8", strings.NewReader("  line one\nline two \n"))
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if got != "line one\nline two" {
		t.Errorf("text: got %q", got)
	}
}

func TestExtractText_Unsupported(t *testing.T) {
	_, err := ExtractText("image/png", bytes.NewReader([]byte{0x89, 'P', 'N', 'G'}))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("err: got %v, want ErrUnsupportedType", err)
	}
}

func TestBuildSheet_RoundTripsThroughExtract(t *testing.T) {
	data, err := BuildSheet("Report", [][]any{{"name", "count"}, {"alpha", 3}})
	if err != nil {
		t.Fatalf("BuildSheet: %v", err)
	}
	text, err := ExtractText(MimeXLSX, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	want := "# Report\nname\tcount\nalpha\t3"
	if text != want {
		t.Errorf("text: got %q, want %q", text, want)
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := ContentTypeFor("report.xlsx", ""); got != MimeXLSX {
		t.Errorf("xlsx: got %q", got)
	}
	if got := ContentTypeFor("doc.pdf", ""); got != MimePDF {
		t.Errorf("pdf: got %q", got)
	}
	if got := ContentTypeFor("doc.pdf", "text/plain"); got != "text/plain" {
		t.Errorf("explicit type should win, got %q", got)
	}
}
