package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"inference-relay/internal/core"
	"inference-relay/internal/pipeline"
	"inference-relay/internal/records"
	"inference-relay/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const DefaultMaxUploadBytes = 20 << 20

// RecordLister is implemented by stores that can be read back.
type RecordLister interface {
	List(ctx context.Context, offset, limit int) ([]records.LogRecord, error)
}

// IntakeService is the HTTP transport in front of the submission pipeline.
type IntakeService struct {
	dispatcher     *pipeline.Dispatcher
	records        RecordLister
	maxUploadBytes int64
}

// NewIntakeService creates the service. lister may be nil, in which case the
// records routes answer 501.
func NewIntakeService(dispatcher *pipeline.Dispatcher, lister RecordLister, maxUploadBytes int64) *IntakeService {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &IntakeService{dispatcher: dispatcher, records: lister, maxUploadBytes: maxUploadBytes}
}

func (s *IntakeService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Post("/submissions", RestHandler(s.Submit))
	r.Get("/info", RestHandler(s.Info))
	r.Get("/records", RestHandler(s.ListRecords))
}

// httpReplier collects the reply of one submission so it can be returned in
// the HTTP response.
type httpReplier struct {
	mu      sync.Mutex
	text    string
	caption string
	photo   []byte
}

func (h *httpReplier) ReplyText(ctx context.Context, text string, rich bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.text = text
	return nil
}

func (h *httpReplier) ReplyPhoto(ctx context.Context, photo []byte, caption string, rich bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.photo = photo
	h.caption = caption
	return nil
}

func (s *IntakeService) Submit(r *http.Request) (any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "image exceeds %d bytes", s.maxUploadBytes)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	senderId := strings.TrimSpace(r.FormValue("sender_id"))
	if senderId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "sender_id is required")
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "file is required: %v", err)
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to read uploaded file: %v", err)
	}
	if len(image) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "uploaded file is empty")
	}

	sub := core.Submission{
		ID:          uuid.New(),
		SenderID:    senderId,
		SenderName:  strings.TrimSpace(r.FormValue("sender_name")),
		Phone:       strings.TrimSpace(r.FormValue("phone")),
		Image:       image,
		SubmittedAt: time.Now(),
	}

	replier := &httpReplier{}
	result, err := s.dispatcher.Submit(r.Context(), sub, replier)
	if err != nil {
		if errors.Is(err, pipeline.ErrDispatcherClosed) {
			return nil, CodedErrorf(http.StatusServiceUnavailable, "server is shutting down")
		}
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	outcome := <-result

	slog.Info("submission completed", "submission_id", sub.ID, "outcome", outcome.Kind())

	replier.mu.Lock()
	defer replier.mu.Unlock()

	res := api.SubmissionResponse{
		Id:      sub.ID,
		Outcome: outcome.Kind(),
		Text:    replier.text,
		Caption: replier.caption,
		Photo:   replier.photo,
	}
	switch o := outcome.(type) {
	case pipeline.TransportFailed:
		res.StatusCode = o.StatusCode
	case pipeline.Malformed:
		res.Field = o.Field
	}
	return res, nil
}

func (s *IntakeService) Info(r *http.Request) (any, error) {
	replier := &httpReplier{}
	if err := s.dispatcher.Info(r.Context(), replier); err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	replier.mu.Lock()
	defer replier.mu.Unlock()
	return api.InfoResponse{Text: replier.text}, nil
}

func (s *IntakeService) ListRecords(r *http.Request) (any, error) {
	if s.records == nil {
		return nil, CodedErrorf(http.StatusNotImplemented, "no record database is configured")
	}

	params, err := ParseRequestQueryParams[api.ListRecordsRequest](r)
	if err != nil {
		return nil, err
	}
	if params.Offset < 0 || params.Limit < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "offset and limit must not be negative")
	}

	stored, err := s.records.List(r.Context(), params.Offset, params.Limit)
	if err != nil {
		slog.Error("error listing records", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing records")
	}

	return convertRecords(stored), nil
}
