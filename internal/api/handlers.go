package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/dunamismax/reimagine/internal/orchestrator"
	"github.com/dunamismax/reimagine/internal/provider"
	"github.com/go-chi/chi/v5"
)

const (
	headerImageMetadata = "X-Image-Metadata"
	queueTimeLayout     = "2006-01-02 15:04"
)

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(domain.MaxImageBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": domain.ErrImageTooLarge.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected multipart form with image and prompt"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "image is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, domain.MaxImageBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "could not read image"})
		return
	}
	s.metrics.uploadBytes.Observe(float64(len(data)))

	job, err := s.jobs.Submit(r.Context(), domain.SubmitRequest{
		OwnerID:     ownerFrom(r.Context()),
		Prompt:      r.FormValue("prompt"),
		ContentType: header.Header.Get("Content-Type"),
		Image:       data,
	})
	if err != nil {
		s.writeError(w, r, err, "submit")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, obj, err := s.jobs.GetStatusAndResult(r.Context(), chi.URLParam(r, "id"), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err, "status")
		return
	}

	meta, _ := json.Marshal(map[string]string{"status": job.Status.String()})
	w.Header().Set(headerImageMetadata, string(meta))

	if obj == nil {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		return
	}
	defer obj.Body.Close()

	contentType := obj.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "image/png"
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Type", contentType)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("phase", "stream_result").Msg("result stream interrupted")
	}
}

type queueItem struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	CreatedOn string `json:"created_on"`
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err, "list")
		return
	}

	items := make([]queueItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, queueItem{
			ID:        job.ID,
			Status:    job.Status.String(),
			CreatedOn: job.CreatedAt.UTC().Format(queueTimeLayout),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

type callbackBody struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// A body that does not decode leaves the status empty; the signature is
	// still checked first so forged requests get 403 either way.
	var body callbackBody
	_ = json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body)

	job, err := s.jobs.HandleCallback(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("sig"), orchestrator.Callback{
		Status:        body.Status,
		ResultRef:     provider.OutputMessage(body.Output),
		ProviderJobID: body.ID,
	})
	if err != nil {
		s.writeError(w, r, err, "callback")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": job.Status.String()})
}
