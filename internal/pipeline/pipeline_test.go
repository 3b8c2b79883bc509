package pipeline_test

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"inference-relay/internal/core"
	"inference-relay/internal/pipeline"
	"inference-relay/internal/records"
	"inference-relay/internal/relay"
	"inference-relay/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outputImage = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 1}

func validResults() map[string]any {
	return map[string]any{
		"counter":      "042",
		"inference":    120,
		"model_name":   "yolo-v5",
		"object_count": 3,
		"current_time": "2024-01-01T00:00:00",
		"wh_check":     "OK",
		"file_name":    "a.jpg",
	}
}

func responseBody(t *testing.T, image string, results map[string]any) []byte {
	t.Helper()
	body := map[string]any{"image": image}
	if results != nil {
		body["results"] = results
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return data
}

func validBody(t *testing.T) []byte {
	return responseBody(t, base64.StdEncoding.EncodeToString(outputImage), validResults())
}

func inferenceServer(t *testing.T, status int, body []byte) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

// silentEndpoint accepts connections at the kernel level but never answers.
func silentEndpoint(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	return "http://" + listener.Addr().String()
}

func refusedEndpoint(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return "http://" + addr
}

type reply struct {
	Text    string
	Photo   []byte
	Caption string
}

type recordingReplier struct {
	mu      sync.Mutex
	replies []reply
	events  *[]string
	err     error
}

func (r *recordingReplier) ReplyText(ctx context.Context, text string, rich bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{Text: text})
	if r.events != nil {
		*r.events = append(*r.events, "reply")
	}
	return r.err
}

func (r *recordingReplier) ReplyPhoto(ctx context.Context, photo []byte, caption string, rich bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{Photo: photo, Caption: caption})
	if r.events != nil {
		*r.events = append(*r.events, "reply")
	}
	return r.err
}

func (r *recordingReplier) all() []reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reply(nil), r.replies...)
}

type memoryStore struct {
	mu      sync.Mutex
	records []records.LogRecord
	events  *[]string
	err     error
}

func (m *memoryStore) Append(ctx context.Context, record records.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events != nil {
		*m.events = append(*m.events, "append")
	}
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testConfig(endpoint string) pipeline.Config {
	return pipeline.Config{
		Endpoint:       endpoint,
		ModelName:      "yolo-v5",
		PredictTimeout: 2 * time.Second,
		InfoTimeout:    time.Second,
	}
}

func newSubmission() core.Submission {
	return core.Submission{
		ID:          uuid.New(),
		SenderID:    "17",
		SenderName:  "alice",
		Image:       []byte("jpeg bytes"),
		SubmittedAt: time.Now(),
	}
}

func TestProcessSucceeded(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	path := filepath.Join(t.TempDir(), "save_images.csv")
	store, err := records.NewCSVStore(path, false)
	require.NoError(t, err)

	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)

	replier := &recordingReplier{}
	outcome := p.Process(context.Background(), newSubmission(), replier)

	succeeded, ok := outcome.(pipeline.Succeeded)
	require.True(t, ok, "unexpected outcome %#v", outcome)
	assert.NoError(t, succeeded.AppendErr)
	assert.Equal(t, "042", succeeded.Result.Counter)

	replies := replier.all()
	require.Len(t, replies, 1)
	assert.Equal(t, outputImage, replies[0].Photo)
	for _, want := range []string{"042", "120ms", "yolo-v5", "3", "2024-01-01T00:00:00", "OK", "a.jpg"} {
		assert.Contains(t, replies[0].Caption, want)
	}

	require.NoError(t, store.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, []string{"17", "alice", "N/A", "042", "120", "yolo-v5", "3", "2024-01-01T00:00:00", "OK", "a.jpg"}, rows[0][1:])
}

func TestProcessAppendsBeforeReply(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	var events []string
	store := &memoryStore{events: &events}
	replier := &recordingReplier{events: &events}

	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)
	p.Process(context.Background(), newSubmission(), replier)

	assert.Equal(t, []string{"append", "reply"}, events)
}

// cancellingRelay cancels the caller's context once the endpoint has answered.
type cancellingRelay struct {
	cancel context.CancelFunc
	body   []byte
}

func (r *cancellingRelay) Predict(ctx context.Context, image []byte, modelName string, timeout time.Duration) ([]byte, error) {
	r.cancel()
	return r.body, nil
}

func (r *cancellingRelay) Info(ctx context.Context, timeout time.Duration) ([]byte, error) {
	r.cancel()
	return []byte(`{"Project 2023": "v1"}`), nil
}

func TestProcessCallerCancelledAfterResponse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "save_images.csv")
	store, err := records.NewCSVStore(path, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pipeline.New(testConfig("http://inference"), &cancellingRelay{cancel: cancel, body: validBody(t)}, store)

	replier := &recordingReplier{}
	outcome := p.Process(ctx, newSubmission(), replier)

	succeeded, ok := outcome.(pipeline.Succeeded)
	require.True(t, ok, "unexpected outcome %#v", outcome)
	assert.NoError(t, succeeded.AppendErr)
	assert.Len(t, replier.all(), 1)

	require.NoError(t, store.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestProcessCallerCancelledBeforeRequest(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))
	store := &memoryStore{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)
	outcome := p.Process(ctx, newSubmission(), &recordingReplier{})

	assert.Equal(t, pipeline.KindSucceeded, outcome.Kind())
	assert.Equal(t, 1, store.count())
}

func TestInfoCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := pipeline.New(testConfig("http://inference"), &cancellingRelay{cancel: cancel}, &memoryStore{})

	replier := &recordingReplier{}
	require.NoError(t, p.Info(ctx, replier))

	replies := replier.all()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "v1")
}

func TestProcessUnreachableEndpointTimesOut(t *testing.T) {
	endpoint := silentEndpoint(t)

	cfg := testConfig(endpoint)
	cfg.PredictTimeout = 200 * time.Millisecond

	store := &memoryStore{}
	p := pipeline.New(cfg, relay.NewClient(endpoint), store)

	replier := &recordingReplier{}
	start := time.Now()
	outcome := p.Process(context.Background(), newSubmission(), replier)
	elapsed := time.Since(start)

	assert.Equal(t, pipeline.TimedOut{Timeout: cfg.PredictTimeout}, outcome)
	assert.GreaterOrEqual(t, elapsed, cfg.PredictTimeout)
	assert.Less(t, elapsed, cfg.PredictTimeout+time.Second)
	assert.Equal(t, 0, store.count())

	replies := replier.all()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "200ms")
	assert.Contains(t, replies[0].Text, endpoint)

	malformed := pipeline.DefaultMessages().FailureText(endpoint, pipeline.Malformed{Field: "counter", Reason: "is missing"})
	assert.NotEqual(t, malformed, replies[0].Text)
}

func TestProcessConnectionRefused(t *testing.T) {
	endpoint := refusedEndpoint(t)

	store := &memoryStore{}
	p := pipeline.New(testConfig(endpoint), relay.NewClient(endpoint), store)

	replier := &recordingReplier{}
	outcome := p.Process(context.Background(), newSubmission(), replier)

	failed, ok := outcome.(pipeline.TransportFailed)
	require.True(t, ok, "unexpected outcome %#v", outcome)
	assert.Equal(t, 0, failed.StatusCode)
	assert.Error(t, failed.Err)
	assert.Equal(t, 0, store.count())

	replies := replier.all()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "unreachable")
}

func TestProcessStatusError(t *testing.T) {
	server := inferenceServer(t, http.StatusInternalServerError, []byte("model <crashed>"))

	store := &memoryStore{}
	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)

	replier := &recordingReplier{}
	outcome := p.Process(context.Background(), newSubmission(), replier)

	assert.Equal(t, pipeline.TransportFailed{StatusCode: 500, Body: "model <crashed>"}, outcome)
	assert.Equal(t, 0, store.count())

	replies := replier.all()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "500")
	assert.Contains(t, replies[0].Text, "model &lt;crashed&gt;")
}

func TestProcessMalformedResponse(t *testing.T) {
	for _, field := range core.ResultFields {
		t.Run(field, func(t *testing.T) {
			results := validResults()
			delete(results, field)
			server := inferenceServer(t, http.StatusOK, responseBody(t, base64.StdEncoding.EncodeToString(outputImage), results))

			store := &memoryStore{}
			p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)

			replier := &recordingReplier{}
			outcome := p.Process(context.Background(), newSubmission(), replier)

			assert.Equal(t, pipeline.Malformed{Field: field, Reason: "is missing"}, outcome)
			assert.Equal(t, 0, store.count())

			replies := replier.all()
			require.Len(t, replies, 1)
			assert.Contains(t, replies[0].Text, field)
		})
	}
}

func TestProcessDecodeFailure(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, responseBody(t, "%%% not base64 %%%", validResults()))

	store := &memoryStore{}
	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)

	replier := &recordingReplier{}
	outcome := p.Process(context.Background(), newSubmission(), replier)

	_, ok := outcome.(pipeline.DecodeFailed)
	assert.True(t, ok, "unexpected outcome %#v", outcome)
	assert.Equal(t, 0, store.count())

	replies := replier.all()
	require.Len(t, replies, 1)
	assert.Equal(t, pipeline.DefaultMessages().FailureText(server.URL, outcome), replies[0].Text)
}

func TestProcessAppendFailureStillReplies(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	store := &memoryStore{err: errors.New("disk full")}
	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)

	replier := &recordingReplier{}
	outcome := p.Process(context.Background(), newSubmission(), replier)

	succeeded, ok := outcome.(pipeline.Succeeded)
	require.True(t, ok, "unexpected outcome %#v", outcome)
	assert.ErrorContains(t, succeeded.AppendErr, "disk full")

	replies := replier.all()
	require.Len(t, replies, 1)
	assert.Equal(t, outputImage, replies[0].Photo)
}

func TestProcessReplyFailureKeepsRecord(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	store := &memoryStore{}
	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)

	outcome := p.Process(context.Background(), newSubmission(), &recordingReplier{err: errors.New("chat down")})

	assert.Equal(t, pipeline.KindSucceeded, outcome.Kind())
	assert.Equal(t, 1, store.count())
}

func TestProcessArchivesOutputImage(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	archive, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), &memoryStore{},
		pipeline.WithArchive(archive),
		pipeline.WithClock(func() time.Time { return now }),
	)

	sub := newSubmission()
	p.Process(context.Background(), sub, &recordingReplier{})

	data, err := os.ReadFile(filepath.Join(archive.BaseDir(), "2024", "05", "06", sub.ID.String()+"_a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, outputImage, data)
}

type failingArchive struct{}

func (failingArchive) CreateBucket(ctx context.Context) error { return nil }

func (failingArchive) PutObject(ctx context.Context, key string, data io.Reader) error {
	return errors.New("bucket gone")
}

func TestProcessArchiveFailureIsNotFatal(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	store := &memoryStore{}
	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store, pipeline.WithArchive(failingArchive{}))

	replier := &recordingReplier{}
	outcome := p.Process(context.Background(), newSubmission(), replier)

	assert.Equal(t, pipeline.KindSucceeded, outcome.Kind())
	assert.Equal(t, 1, store.count())
	require.Len(t, replier.all(), 1)
}

func TestProcessIsDeterministic(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &memoryStore{}
	p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store, pipeline.WithClock(func() time.Time { return now }))

	sub := newSubmission()
	first, second := &recordingReplier{}, &recordingReplier{}
	assert.Equal(t, p.Process(context.Background(), sub, first), p.Process(context.Background(), sub, second))
	assert.Equal(t, first.all(), second.all())

	require.Equal(t, 2, store.count())
	assert.Equal(t, store.records[0], store.records[1])
}

func TestFailureTextsAreDistinct(t *testing.T) {
	messages := pipeline.DefaultMessages()
	outcomes := []pipeline.Outcome{
		pipeline.TimedOut{Timeout: 15 * time.Second},
		pipeline.TransportFailed{StatusCode: 502, Body: "bad gateway"},
		pipeline.TransportFailed{Err: errors.New("connection refused")},
		pipeline.Malformed{Field: "counter", Reason: "is missing"},
		pipeline.DecodeFailed{Err: errors.New("illegal base64 data")},
	}

	seen := make(map[string]bool)
	for _, outcome := range outcomes {
		text := messages.FailureText("http://api", outcome)
		assert.NotEmpty(t, text)
		assert.False(t, seen[text], "duplicate text for %s", outcome.Kind())
		seen[text] = true
	}
}

func TestInfo(t *testing.T) {
	t.Run("string value", func(t *testing.T) {
		server := inferenceServer(t, http.StatusOK, []byte(`{"Project 2023": "meters <v2>", "other": 1}`))

		store := &memoryStore{}
		p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store)

		replier := &recordingReplier{}
		require.NoError(t, p.Info(context.Background(), replier))

		replies := replier.all()
		require.Len(t, replies, 1)
		assert.Equal(t, pipeline.DefaultMessages().InfoText("meters <v2>"), replies[0].Text)
		assert.Contains(t, replies[0].Text, "meters &lt;v2&gt;")
		assert.Equal(t, 0, store.count())
	})

	t.Run("object value", func(t *testing.T) {
		server := inferenceServer(t, http.StatusOK, []byte(`{"Project 2023": {"version": 2}}`))

		p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), &memoryStore{})

		replier := &recordingReplier{}
		require.NoError(t, p.Info(context.Background(), replier))
		assert.Contains(t, replier.all()[0].Text, "{&#34;version&#34;:2}")
	})

	t.Run("custom key", func(t *testing.T) {
		server := inferenceServer(t, http.StatusOK, []byte(`{"status": "ready"}`))

		cfg := testConfig(server.URL)
		cfg.InfoKey = "status"
		p := pipeline.New(cfg, relay.NewClient(server.URL), &memoryStore{})

		replier := &recordingReplier{}
		require.NoError(t, p.Info(context.Background(), replier))
		assert.Contains(t, replier.all()[0].Text, "ready")
	})

	t.Run("missing key", func(t *testing.T) {
		server := inferenceServer(t, http.StatusOK, []byte(`{"other": 1}`))

		p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), &memoryStore{})

		replier := &recordingReplier{}
		require.NoError(t, p.Info(context.Background(), replier))
		assert.Equal(t,
			pipeline.DefaultMessages().FailureText(server.URL, pipeline.Malformed{Field: pipeline.DefaultInfoKey, Reason: "is missing"}),
			replier.all()[0].Text,
		)
	})

	t.Run("timeout", func(t *testing.T) {
		endpoint := silentEndpoint(t)

		cfg := testConfig(endpoint)
		cfg.InfoTimeout = 100 * time.Millisecond
		p := pipeline.New(cfg, relay.NewClient(endpoint), &memoryStore{})

		replier := &recordingReplier{}
		require.NoError(t, p.Info(context.Background(), replier))
		assert.Equal(t,
			pipeline.DefaultMessages().FailureText(endpoint, pipeline.TimedOut{Timeout: cfg.InfoTimeout}),
			replier.all()[0].Text,
		)
	})

	t.Run("reply error", func(t *testing.T) {
		server := inferenceServer(t, http.StatusOK, []byte(`{"Project 2023": "x"}`))

		p := pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), &memoryStore{})
		assert.Error(t, p.Info(context.Background(), &recordingReplier{err: errors.New("chat down")}))
	})
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	const concurrency = 3
	const submissions = 12

	var inFlight, maxInFlight atomic.Int32
	body := validBody(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			peak := maxInFlight.Load()
			if n <= peak || maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Write(body)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "log.csv")
	store, err := records.NewCSVStore(path, false)
	require.NoError(t, err)

	dispatcher := pipeline.NewDispatcher(pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store), concurrency)

	results := make([]<-chan pipeline.Outcome, 0, submissions)
	for i := 0; i < submissions; i++ {
		sub := newSubmission()
		sub.SenderID = fmt.Sprint(i)
		ch, err := dispatcher.Submit(context.Background(), sub, &recordingReplier{})
		require.NoError(t, err)
		results = append(results, ch)
	}

	for _, ch := range results {
		outcome := <-ch
		assert.Equal(t, pipeline.KindSucceeded, outcome.Kind())
	}
	dispatcher.Close()
	require.NoError(t, store.Close())

	assert.LessOrEqual(t, maxInFlight.Load(), int32(concurrency))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, submissions)
}

func TestDispatcherClosed(t *testing.T) {
	server := inferenceServer(t, http.StatusOK, validBody(t))

	dispatcher := pipeline.NewDispatcher(pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), &memoryStore{}), 1)
	dispatcher.Close()

	_, err := dispatcher.Submit(context.Background(), newSubmission(), &recordingReplier{})
	assert.ErrorIs(t, err, pipeline.ErrDispatcherClosed)
}

func TestDispatcherSubmissionOutlivesCaller(t *testing.T) {
	release := make(chan struct{})
	body := validBody(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(body)
	}))
	defer server.Close()

	store := &memoryStore{}
	dispatcher := pipeline.NewDispatcher(pipeline.New(testConfig(server.URL), relay.NewClient(server.URL), store), 1)

	ctx, cancel := context.WithCancel(context.Background())
	result, err := dispatcher.Submit(ctx, newSubmission(), &recordingReplier{})
	require.NoError(t, err)

	cancel()
	close(release)

	assert.Equal(t, pipeline.KindSucceeded, (<-result).Kind())
	dispatcher.Close()
	assert.Equal(t, 1, store.count())
}
