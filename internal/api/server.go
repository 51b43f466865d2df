// Package api exposes the broadcast HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bulkmailer/internal/creator"
	"bulkmailer/internal/models"
	"bulkmailer/internal/source"
	"bulkmailer/internal/store"
	"bulkmailer/internal/telemetry"
)

// Orchestrator is the pipeline surface the handlers call into.
type Orchestrator interface {
	CreateAndQueue(ctx context.Context, p creator.Params, src source.Source) (models.Job, error)
	Status(ctx context.Context, jobID string) (models.StatusSnapshot, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// Server wires HTTP handlers for the broadcast API.
type Server struct {
	orch Orchestrator
	s3   source.ObjectGetter
	log  *zap.Logger
}

// New constructs the API server. s3 may be nil when no object store is
// configured; S3-backed broadcasts then return an error.
func New(orch Orchestrator, s3 source.ObjectGetter, log *zap.Logger) *Server {
	return &Server{orch: orch, s3: s3, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/broadcasts", s.handleCreate)
	r.Get("/broadcasts/{id}", s.handleStatus)
	r.Post("/broadcasts/{id}/cancel", s.handleCancel)
	return r
}

type s3Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type createBroadcastRequest struct {
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	FromEmail  string         `json:"from_email"`
	Metadata   map[string]any `json:"metadata"`
	Recipients []string       `json:"recipients"`
	S3         *s3Ref         `json:"s3"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	src, err := s.sourceFromRequest(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.orch.CreateAndQueue(r.Context(), creator.Params{
		Subject:   req.Subject,
		Body:      req.Body,
		FromEmail: req.FromEmail,
		Metadata:  req.Metadata,
	}, src)
	if err != nil {
		_ = src.Close()
		var verr *creator.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		s.log.Error("broadcast creation failed", zap.Error(err))
		http.Error(w, "could not create broadcast", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

// sourceFromRequest builds the recipient source. The S3 source is lazy; the
// background collector opens the object under its own context, since the
// request context dies as soon as the 202 is written.
func (s *Server) sourceFromRequest(req *createBroadcastRequest) (source.Source, error) {
	switch {
	case len(req.Recipients) > 0 && req.S3 != nil:
		return nil, errors.New("provide either recipients or s3, not both")
	case len(req.Recipients) > 0:
		return source.NewSlice(req.Recipients), nil
	case req.S3 != nil:
		if req.S3.Bucket == "" || req.S3.Key == "" {
			return nil, errors.New("s3 requires bucket and key")
		}
		if s.s3 == nil {
			return nil, errors.New("no object store configured")
		}
		return source.NewS3CSV(s.s3, req.S3.Bucket, req.S3.Key), nil
	default:
		return nil, errors.New("recipients or s3 is required")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.orch.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "broadcast not found", http.StatusNotFound)
			return
		}
		s.log.Error("status lookup failed", zap.String("job_id", id), zap.Error(err))
		http.Error(w, "could not load broadcast", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "broadcast not found", http.StatusNotFound)
			return
		}
		s.log.Error("cancel failed", zap.String("job_id", id), zap.Error(err))
		http.Error(w, "could not cancel broadcast", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "broadcast already finished", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
