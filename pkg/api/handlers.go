package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/imalyk/go-ofx-processor/pkg/callback"
	"github.com/imalyk/go-ofx-processor/pkg/job"
	"github.com/imalyk/go-ofx-processor/pkg/storage"
	"github.com/imalyk/go-ofx-processor/pkg/upload"
)

const (
	// multipartOverhead is allowed on top of the file limit for part headers and boundaries.
	multipartOverhead = 1 << 20
	maxCallbackBody   = 64 << 10
)

var errTooLarge = errors.New("upload exceeds size limit")

type jobView struct {
	ID                string     `json:"id"`
	Status            job.Status `json:"status"`
	OriginalName      string     `json:"originalName"`
	CreatedAt         time.Time  `json:"createdAt"`
	DownloadAvailable bool       `json:"downloadAvailable"`
	Error             string     `json:"error,omitempty"`
}

func newJobView(j job.Job) jobView {
	v := jobView{
		ID:                j.ID,
		Status:            j.Status,
		OriginalName:      j.OriginalName,
		CreatedAt:         j.CreatedAt,
		DownloadAvailable: j.DownloadAvailable(),
	}
	if j.Status == job.StatusFailed {
		v.Error = j.Error
	}
	return v
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := s.deps.Sessions.GetOrCreate(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMissingFile, "no file was sent")
		return
	}

	part, err := filePart(reader)
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "file exceeds the maximum upload size")
			return
		}
		writeError(w, http.StatusBadRequest, CodeMissingFile, "no file was sent")
		return
	}
	defer part.Close()

	head := make([]byte, upload.MagicSize)
	if _, err := io.ReadFull(part, head); err != nil || !upload.IsPDF(head) {
		writeError(w, http.StatusUnprocessableEntity, CodeInvalidFile, "the file does not look like a PDF")
		return
	}

	inputPath, err := s.storeUpload(head, part)
	if err != nil {
		switch {
		case isTooLarge(err):
			writeError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "file exceeds the maximum upload size")
		default:
			s.logger.Error("failed to store upload", "error", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "could not store the file")
		}
		return
	}

	jobID, err := s.deps.Store.Create(inputPath, part.FileName(), sessionID)
	if err != nil {
		_ = os.Remove(inputPath)
		s.logger.Error("failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not create the job")
		return
	}

	s.dispatch(r.Context(), jobID, inputPath)
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": jobID})
}

// filePart advances to the "file" field, discarding any other fields. A
// missing filename is allowed and falls back to the default name.
func filePart(reader *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		if _, err := io.Copy(io.Discard, part); err != nil {
			return nil, err
		}
		part.Close()
	}
}

// storeUpload writes head plus the rest of body to a fresh file in the temp
// dir, removing it again if the size limit is exceeded.
func (s *Server) storeUpload(head []byte, body io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	path := filepath.Join(s.cfg.TempDir, uuid.NewString()+".pdf")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	remaining := s.cfg.MaxUploadBytes - int64(len(head))
	_, err = f.Write(head)
	var n int64
	if err == nil {
		n, err = io.Copy(f, io.LimitReader(body, remaining+1))
	}
	if err == nil && n > remaining {
		err = errTooLarge
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close upload file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// dispatch stages and enqueues the new job. Failures are logged and leave the
// job pending; the upload still succeeds.
func (s *Server) dispatch(ctx context.Context, jobID, inputPath string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EnqueueTimeout)
	defer cancel()

	if s.deps.Staging.Enabled() {
		if err := s.deps.Staging.Put(ctx, inputPath); err != nil {
			s.logger.Warn("failed to stage upload", "job_id", jobID, "error", err)
		}
	}
	if err := s.deps.Queue.Enqueue(ctx, job.Message{JobID: jobID, InputPath: inputPath}); err != nil {
		s.logger.Error("failed to enqueue job, leaving it pending", "job_id", jobID, "error", err)
		return
	}
	s.logger.Info("job enqueued", "job_id", jobID)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	views := []jobView{}
	if sessionID, ok := s.deps.Sessions.GetIfPresent(r); ok {
		for _, j := range s.deps.Store.ListBySession(sessionID) {
			views = append(views, newJobView(j))
		}
	}
	writeJSON(w, http.StatusOK, map[string][]jobView{"jobs": views})
}

// ownedJob returns the job only when it belongs to the caller's session.
// Missing and foreign jobs are indistinguishable.
func (s *Server) ownedJob(r *http.Request) (job.Job, bool) {
	sessionID, ok := s.deps.Sessions.GetIfPresent(r)
	if !ok {
		return job.Job{}, false
	}
	j, ok := s.deps.Store.Get(mux.Vars(r)["id"])
	if !ok || j.SessionID != sessionID {
		return job.Job{}, false
	}
	return j, true
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(r)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	j, ok := s.ownedJob(r)
	if !ok || !j.DownloadAvailable() {
		writeError(w, http.StatusNotFound, CodeNotFound, "file not found")
		return
	}

	f, err := s.openArtifact(r.Context(), j)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, storage.ErrNotStaged) {
			s.logger.Warn("artifact unavailable", "job_id", j.ID, "path", j.OutputPath, "error", err)
		}
		writeError(w, http.StatusGone, CodeGone, "file is no longer available")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ofx")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", upload.DownloadName(j.OriginalName, j.OutputPath)))
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", fmt.Sprint(info.Size()))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug("download interrupted", "job_id", j.ID, "error", err)
	}
}

// openArtifact opens the local artifact, pulling it from staging first when
// it was produced on another host.
func (s *Server) openArtifact(ctx context.Context, j job.Job) (*os.File, error) {
	f, err := os.Open(j.OutputPath)
	if err == nil || !errors.Is(err, os.ErrNotExist) || !s.deps.Staging.Enabled() {
		return f, err
	}
	if err := s.deps.Staging.Fetch(ctx, j.OutputPath); err != nil {
		return nil, err
	}
	return os.Open(j.OutputPath)
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	var body callback.Body
	// An undecodable body carries no status and is rejected by Apply after
	// the credential and job checks.
	_ = json.NewDecoder(io.LimitReader(r.Body, maxCallbackBody)).Decode(&body)

	jobID := mux.Vars(r)["id"]
	err := s.deps.Callbacks.Apply(r.Header.Get(callback.SecretHeader), jobID, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, callback.ErrUnauthorized):
		s.logger.Warn("rejected status report", "job_id", jobID, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
	case errors.Is(err, callback.ErrUnknownJob):
		writeError(w, http.StatusNotFound, CodeNotFound, "job not found")
	case errors.Is(err, callback.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid status")
	default:
		s.logger.Error("failed to apply status report", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not update the job")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Queue.Ping(ctx); err != nil {
		s.logger.Warn("health check: queue unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"queue":  "disconnected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"queue":     "connected",
		"jobs":      s.deps.Store.Len(),
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.Is(err, errTooLarge) || errors.As(err, &maxErr)
}
