package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pizzapi/pizzapi/internal/logger"
	"github.com/pizzapi/pizzapi/internal/wire"
)

// blobPath places attachment bytes content-addressed under the data
// directory; identical uploads share one blob.
func (s *Server) blobPath(sha string) string {
	return filepath.Join(s.attachDir, sha[:2], sha)
}

// handleUploadAttachments serves POST /api/sessions/{id}/attachments:
// multipart upload, one part per file. Events later reference attachments
// by the returned opaque IDs; bytes never ride the event stream.
func (s *Server) handleUploadAttachments(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return
	}
	sessionID := r.PathValue("id")
	if _, err := s.Sessions.Lookup(sessionID, principal); err != nil {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}

	maxBytes := s.Config.Limits.AttachmentMaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1<<20)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}

	ttl := time.Duration(s.Config.Limits.AttachmentTTLHours) * time.Hour
	var refs []wire.AttachmentRef
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest")
			return
		}
		if part.FileName() == "" {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, maxBytes+1))
		part.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal")
			return
		}
		if int64(len(data)) > maxBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "TooLarge")
			return
		}

		sum := sha256.Sum256(data)
		sha := hex.EncodeToString(sum[:])
		path := s.blobPath(sha)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				writeError(w, http.StatusInternalServerError, "Internal")
				return
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				writeError(w, http.StatusInternalServerError, "Internal")
				return
			}
		}

		mimeType := part.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		att := &Attachment{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			UserID:    principal.UserID,
			Filename:  part.FileName(),
			MimeType:  mimeType,
			Size:      int64(len(data)),
			SHA256:    sha,
			ExpiresAt: time.Now().Add(ttl),
		}
		if err := s.Store.CreateAttachment(att); err != nil {
			logger.Error("create attachment", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal")
			return
		}
		refs = append(refs, wire.AttachmentRef{
			AttachmentID: att.ID,
			Filename:     att.Filename,
			MimeType:     att.MimeType,
			Size:         att.Size,
			ExpiresAt:    att.ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"attachments": refs})
}

// handleGetAttachment serves GET /api/attachments/{id}. Visibility follows
// the owning session's rule; workers fetch with their runner credentials.
func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	principal := s.principal(r)
	if principal == nil {
		principal = s.runnerPrincipal(r)
	}
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "AuthRequired")
		return
	}

	att, err := s.Store.GetAttachment(r.PathValue("id"))
	if err != nil || att == nil {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	visible := principal.canSee(att.UserID)
	if !visible {
		// A worker on the session's runner may fetch attachments for
		// input it was handed.
		if sess := s.Sessions.Get(att.SessionID); sess != nil {
			if runner := s.Runners.Get(sess.RunnerID); runner != nil && runner.OwnerUserID == principal.UserID {
				visible = true
			}
		}
	}
	if !visible || time.Now().After(att.ExpiresAt) {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}

	f, err := os.Open(s.blobPath(att.SHA256))
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
	http.ServeContent(w, r, att.Filename, att.CreatedAt, f)
}

// reapAttachments removes expired attachment rows and deletes blobs once
// their last reference is gone.
func (s *Server) reapAttachments(now time.Time) {
	expired, err := s.Store.ExpiredAttachments(now)
	if err != nil {
		logger.Error("list expired attachments", "error", err)
		return
	}
	for _, att := range expired {
		if err := s.Store.DeleteAttachment(att.ID); err != nil {
			logger.Error("delete attachment", "attachment_id", att.ID, "error", err)
			continue
		}
		refs, err := s.Store.CountAttachmentRefs(att.SHA256)
		if err == nil && refs == 0 {
			os.Remove(s.blobPath(att.SHA256))
		}
	}
	if len(expired) > 0 {
		logger.Info("reaped expired attachments", "count", len(expired))
	}
}
