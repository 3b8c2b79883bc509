//go:build integration

package integrationtests

import (
	"bytes"
	"context"
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

const bucketName = "test-bucket"

func setupTestObjectStore(t *testing.T, ctx context.Context, prefix string) *storage.S3ObjectStore {
	t.Helper()

	endpoint := setupMinioContainer(t, ctx)

	objectStore, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		AccessKeyID:     minioUsername,
		SecretAccessKey: minioPassword,
		Bucket:          bucketName,
		Prefix:          prefix,
	})
	require.NoError(t, err)
	require.NoError(t, objectStore.CreateBucket(ctx))
	return objectStore
}

func TestS3ObjectStore_PutObject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx, "archive")

	require.NoError(t, objectStore.CreateBucket(ctx), "creating an existing bucket is not an error")

	key := "2024/01/01/test.jpg"
	require.NoError(t, objectStore.PutObject(ctx, key, bytes.NewReader([]byte("image data"))))

	data, err := objectStore.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "image data", string(data))
}

type discardReplier struct{}

func (discardReplier) ReplyText(ctx context.Context, text string, rich bool) error { return nil }

func (discardReplier) ReplyPhoto(ctx context.Context, photo []byte, caption string, rich bool) error {
	return nil
}

func TestPipelineArchivesToS3(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx, "")
	server := fakeInferenceServer(t)

	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	p := pipeline.New(pipeline.Config{
		Endpoint:       server.URL,
		ModelName:      "yolo-v5",
		PredictTimeout: 5 * time.Second,
		InfoTimeout:    5 * time.Second,
	}, relay.NewClient(server.URL), records.Fanout{},
		pipeline.WithArchive(objectStore),
		pipeline.WithClock(func() time.Time { return now }),
	)

	sub := core.Submission{ID: uuid.New(), SenderID: "17", Image: []byte("jpeg")}
	outcome := p.Process(ctx, sub, discardReplier{})
	require.Equal(t, pipeline.KindSucceeded, outcome.Kind())

	data, err := objectStore.GetObject(ctx, storage.ArchiveKey(now, sub.ID, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, outputImage, data)
}
