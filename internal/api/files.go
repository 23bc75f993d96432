package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/soochol/nodeflow/internal/storage"
)

const maxUploadSize = 50 << 20

// POST /api/files (multipart, field "file")
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	if s.Files == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large (max 50MB)")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	contentType := storage.ContentTypeFor(header.Filename, header.Header.Get("Content-Type"))
	info, err := s.Files.Put(r.Context(), header.Filename, contentType, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GET /api/files
func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	if s.Files == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage not configured")
		return
	}
	files, err := s.Files.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if files == nil {
		files = []storage.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

// GET /api/files/{id}
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	if s.Files == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage not configured")
		return
	}
	id := chi.URLParam(r, "id")
	info, rc, err := s.Files.Open(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer rc.Close()

	escaped := strings.ReplaceAll(info.Filename, `"`, `\"`)
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, escaped))
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("file copy interrupted", "file_id", id, "err", err)
	}
}

// DELETE /api/files/{id}
func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	if s.Files == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage not configured")
		return
	}
	if err := s.Files.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
