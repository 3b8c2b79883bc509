package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inference-relay/internal/core"
	"inference-relay/internal/records"
	"inference-relay/internal/relay"
	"inference-relay/internal/storage"
)

const DefaultInfoKey = "Project 2023"

// Relay performs the round trips to the inference endpoint.
type Relay interface {
	Predict(ctx context.Context, image []byte, modelName string, timeout time.Duration) ([]byte, error)

	Info(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Replier delivers replies to the sender of a submission.
type Replier interface {
	ReplyText(ctx context.Context, text string, rich bool) error

	ReplyPhoto(ctx context.Context, photo []byte, caption string, rich bool) error
}

type Config struct {
	// Endpoint is only used to label replies and logs.
	Endpoint       string
	ModelName      string
	PredictTimeout time.Duration
	InfoTimeout    time.Duration
	InfoKey        string
}

type Pipeline struct {
	cfg      Config
	relay    Relay
	store    records.Store
	archive  storage.ObjectStore
	messages Messages
	now      func() time.Time
}

type Option func(*Pipeline)

// WithArchive stores every successful output image in the object store.
func WithArchive(archive storage.ObjectStore) Option {
	return func(p *Pipeline) {
		p.archive = archive
	}
}

func WithMessages(messages Messages) Option {
	return func(p *Pipeline) {
		p.messages = messages
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

func New(cfg Config, client Relay, store records.Store, opts ...Option) *Pipeline {
	if cfg.InfoKey == "" {
		cfg.InfoKey = DefaultInfoKey
	}

	p := &Pipeline{
		cfg:      cfg,
		relay:    client,
		store:    store,
		messages: DefaultMessages(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process relays one submission and sends exactly one reply for it. A
// successful result is appended to the store before the reply is sent.
// Cancelling ctx does not abort the submission; the predict timeout bounds it.
func (p *Pipeline) Process(ctx context.Context, sub core.Submission, replier Replier) Outcome {
	ctx = context.WithoutCancel(ctx)
	log := slog.With("submission_id", sub.ID, "sender_id", sub.SenderID)

	log.Info("relaying submission", "image_bytes", len(sub.Image), "model", p.cfg.ModelName)

	body, err := p.relay.Predict(ctx, sub.Image, p.cfg.ModelName, p.cfg.PredictTimeout)
	if err != nil {
		outcome := p.classifyRelayError(err, p.cfg.PredictTimeout)
		log.Error("inference request failed", "outcome", outcome.Kind(), "error", err)
		p.replyText(ctx, log, replier, p.messages.FailureText(p.cfg.Endpoint, outcome))
		return outcome
	}

	result, err := core.Interpret(body)
	if err != nil {
		outcome := classifyInterpretError(err)
		log.Error("invalid inference response", "outcome", outcome.Kind(), "error", err)
		p.replyText(ctx, log, replier, p.messages.FailureText(p.cfg.Endpoint, outcome))
		return outcome
	}

	outcome := Succeeded{Result: result}

	record := records.NewLogRecord(sub, result, p.now())
	if err := p.store.Append(ctx, record); err != nil {
		log.Error("error appending submission record", "error", err)
		outcome.AppendErr = err
	}

	if p.archive != nil {
		key := storage.ArchiveKey(record.Timestamp, sub.ID, result.SourceFileName)
		if err := p.archive.PutObject(ctx, key, bytes.NewReader(result.OutputImage)); err != nil {
			log.Error("error archiving output image", "key", key, "error", err)
		}
	}

	caption := core.RenderCaption(p.messages.Caption, result)
	if err := replier.ReplyPhoto(ctx, result.OutputImage, caption, true); err != nil {
		log.Error("error sending photo reply", "error", err)
	}

	log.Info("submission processed", "counter", result.Counter, "object_count", result.ObjectCount)

	return outcome
}

// Info queries the endpoint's info route and replies with the value stored
// under the configured key. It never touches the store.
func (p *Pipeline) Info(ctx context.Context, replier Replier) error {
	ctx = context.WithoutCancel(ctx)
	body, err := p.relay.Info(ctx, p.cfg.InfoTimeout)
	if err != nil {
		outcome := p.classifyRelayError(err, p.cfg.InfoTimeout)
		slog.Error("info request failed", "outcome", outcome.Kind(), "error", err)
		return replier.ReplyText(ctx, p.messages.FailureText(p.cfg.Endpoint, outcome), true)
	}

	info, err := extractInfo(body, p.cfg.InfoKey)
	if err != nil {
		var malformed *core.MalformedError
		if !errors.As(err, &malformed) {
			return err
		}
		slog.Error("invalid info response", "error", err)
		return replier.ReplyText(ctx, p.messages.FailureText(p.cfg.Endpoint, Malformed{Field: malformed.Field, Reason: malformed.Reason}), true)
	}

	return replier.ReplyText(ctx, p.messages.InfoText(info), true)
}

func extractInfo(body []byte, key string) (string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return "", &core.MalformedError{Field: core.FieldBody, Reason: "is not a JSON object"}
	}

	raw, ok := doc[key]
	if !ok || string(raw) == "null" {
		return "", &core.MalformedError{Field: key, Reason: "is missing"}
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return "", fmt.Errorf("error compacting info value: %w", err)
	}
	return compact.String(), nil
}

func (p *Pipeline) classifyRelayError(err error, timeout time.Duration) Outcome {
	var timeoutErr *relay.TimeoutError
	if errors.As(err, &timeoutErr) {
		return TimedOut{Timeout: timeout}
	}

	var statusErr *relay.StatusError
	if errors.As(err, &statusErr) {
		return TransportFailed{StatusCode: statusErr.StatusCode, Body: statusErr.Body}
	}

	return TransportFailed{Err: err}
}

func classifyInterpretError(err error) Outcome {
	var malformed *core.MalformedError
	if errors.As(err, &malformed) {
		return Malformed{Field: malformed.Field, Reason: malformed.Reason}
	}
	return DecodeFailed{Err: err}
}

func (p *Pipeline) replyText(ctx context.Context, log *slog.Logger, replier Replier, text string) {
	if err := replier.ReplyText(ctx, text, true); err != nil {
		log.Error("error sending reply", "error", err)
	}
}
