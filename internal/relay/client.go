package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	predictEndpoint = "/predict"
	infoEndpoint    = "/info"

	imageField     = "file"
	imageFileName  = "input_image.jpg"
	imageMimeType  = "image/jpeg"
	modelNameField = "mdl_name"
)

type Client struct {
	client   *resty.Client
	endpoint string
}

func NewClient(endpoint string) *Client {
	return &Client{
		client:   resty.New().SetBaseURL(endpoint).SetRetryCount(0),
		endpoint: endpoint,
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Predict posts the image to {endpoint}/predict and returns the raw response
// body. The timeout covers the whole exchange, including reading the body.
func (c *Client) Predict(ctx context.Context, image []byte, modelName string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.client.R().
		SetContext(ctx).
		SetMultipartField(imageField, imageFileName, imageMimeType, bytes.NewReader(image)).
		SetMultipartFormData(map[string]string{modelNameField: modelName}).
		Post(predictEndpoint)

	return c.handleResponse(ctx, res, err, timeout, predictEndpoint)
}

// Info fetches {endpoint}/info.
func (c *Client) Info(ctx context.Context, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(infoEndpoint)

	return c.handleResponse(ctx, res, err, timeout, infoEndpoint)
}

func (c *Client) handleResponse(ctx context.Context, res *resty.Response, err error, timeout time.Duration, endpoint string) ([]byte, error) {
	if err != nil {
		if isTimeout(ctx, err) {
			slog.Warn("inference endpoint timed out", "endpoint", c.endpoint+endpoint, "timeout", timeout)
			return nil, &TimeoutError{Timeout: timeout, Err: err}
		}
		slog.Error("unable to reach inference endpoint", "endpoint", c.endpoint+endpoint, "error", err)
		return nil, &ConnectionError{Err: err}
	}

	if res.StatusCode() != http.StatusOK {
		slog.Error("inference endpoint returned error", "endpoint", c.endpoint+endpoint, "status_code", res.StatusCode(), "body", res.String())
		return nil, &StatusError{StatusCode: res.StatusCode(), Body: res.String()}
	}

	return res.Body(), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
