// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/util"
)

const (
	// uploadField is the multipart field carrying the file.
	uploadField = "file"

	// sniffLen is how much of an upload http.DetectContentType reads.
	sniffLen = 512

	// maxNameRunes bounds stored file names.
	maxNameRunes = 200
)

// imageTypes are the image formats providers accept.
var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// detectMediaType picks the media type of an upload from its first bytes,
// falling back to the file extension when sniffing is inconclusive. It
// returns "" for types the chat pipeline cannot use.
func detectMediaType(name string, head []byte) string {
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	if imageTypes[sniffed] {
		return sniffed
	}

	byExt := ""
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		byExt, _, _ = mime.ParseMediaType(mime.TypeByExtension(ext))
		switch ext {
		case ".md", ".markdown":
			byExt = "text/markdown"
		case ".yaml", ".yml":
			byExt = "application/yaml"
		case ".toml":
			byExt = "application/toml"
		}
	}

	switch {
	case sniffed == "text/plain" && byExt != "" && model.IsTextMediaType(byExt):
		return byExt
	case sniffed == "text/plain":
		return sniffed
	case model.IsTextMediaType(sniffed):
		return sniffed
	default:
		// Binary content never passes as text, whatever the extension says.
		return ""
	}
}

// cleanName strips directories and control characters from a client file
// name.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = util.TruncateRunes(strings.TrimSpace(name), maxNameRunes)
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}

// handleUploadAttachment handles POST /api/attachments (multipart/form-data
// with a "file" field).
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	// Allow for multipart framing on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBlob+64<<10)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Expected multipart/form-data.")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "invalid_request_error", `Missing "file" field.`)
			return
		}
		if err != nil {
			s.uploadError(w, r, err)
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}
		s.storeUpload(w, r, part.FileName(), part)
		_ = part.Close()
		return
	}
}

func (s *Server) storeUpload(w http.ResponseWriter, r *http.Request, name string, body io.Reader) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		s.uploadError(w, r, err)
		return
	}
	head = head[:n]
	if n == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "File is empty.")
		return
	}

	name = cleanName(name)
	mediaType := detectMediaType(name, head)
	if mediaType == "" {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_request_error",
			"Unsupported file type. Upload an image (PNG, JPEG, GIF, WebP) or a text file.")
		return
	}

	digest, size, err := s.blobs.Put(io.MultiReader(bytes.NewReader(head), body))
	if err != nil {
		s.uploadError(w, r, err)
		return
	}

	a := &model.Attachment{
		ID:        model.NewID(),
		UserID:    currentUser(r).ID,
		Name:      name,
		MediaType: mediaType,
		Size:      size,
		Digest:    digest,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAttachment(r.Context(), a); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Debug("ATTACHMENT_STORED",
		zap.String("attachment", a.ID),
		zap.String("media_type", a.MediaType),
		zap.Int64("size", a.Size))
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "Attachment too large.")
		return
	}
	s.fail(w, r, err)
}

// handleGetAttachment handles GET /api/attachments/{attachmentID}. Only the
// owner can read an attachment.
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAttachment(r.Context(), currentUser(r).ID, chi.URLParam(r, "attachmentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.blobs.Get(a.Digest)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", a.MediaType)
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
