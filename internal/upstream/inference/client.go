package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"plantdoc/internal/imaging"
	"plantdoc/internal/predictor"
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

// Client talks to a model server that accepts a multipart "file" upload and answers with JSON.
type Client struct {
	baseURL        string
	path           string
	apiKey         string
	httpClient     *http.Client
	observer       ObserverFunc
	labelPath      string
	confidencePath string
	maxRetries     int
	newBackOff     func() backoff.BackOff
}

type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream request failed with status %d", e.StatusCode)
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

// WithResultPaths sets the gjson paths used to pull label and confidence out of the response.
func WithResultPaths(label, confidence string) Option {
	return func(c *Client) {
		if label = strings.TrimSpace(label); label != "" {
			c.labelPath = label
		}
		if confidence = strings.TrimSpace(confidence); confidence != "" {
			c.confidencePath = confidence
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		if fn != nil {
			c.newBackOff = fn
		}
	}
}

func New(baseURL, path, apiKey string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if path == "" {
		path = "/"
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		path:           path,
		apiKey:         strings.TrimSpace(apiKey),
		httpClient:     httpClient,
		labelPath:      "label",
		confidencePath: "confidence",
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify uploads the original image bytes and parses the model's answer.
// Transport errors and 5xx responses are retried; 4xx and malformed bodies are not.
func (c *Client) Classify(ctx context.Context, img imaging.Image) (predictor.Result, error) {
	var result predictor.Result
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	err := backoff.Retry(func() error {
		res, err := c.classifyOnce(ctx, img)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}, policy)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return predictor.Result{}, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return predictor.Result{}, err
	}
	return result, nil
}

func (c *Client) classifyOnce(ctx context.Context, img imaging.Image) (predictor.Result, error) {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("classify", statusCode, time.Since(started)) }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="upload.%s"`, fileExt(img.Format)))
	header.Set("Content-Type", img.ContentType())
	part, err := writer.CreatePart(header)
	if err != nil {
		return predictor.Result{}, err
	}
	if _, err := part.Write(img.Raw); err != nil {
		return predictor.Result{}, err
	}
	if err := writer.Close(); err != nil {
		return predictor.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body.Bytes()))
	if err != nil {
		return predictor.Result{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return predictor.Result{}, err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return predictor.Result{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return predictor.Result{}, &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(respBody))}
	}

	return c.parseResult(respBody)
}

func (c *Client) CheckHealth(ctx context.Context) error {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("health", statusCode, time.Since(started)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	return nil
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

func (c *Client) parseResult(data []byte) (predictor.Result, error) {
	if !gjson.ValidBytes(data) {
		return predictor.Result{}, &parseError{msg: "invalid classify response: not JSON"}
	}
	label := gjson.GetBytes(data, c.labelPath)
	if label.Type != gjson.String || strings.TrimSpace(label.String()) == "" {
		return predictor.Result{}, &parseError{msg: fmt.Sprintf("invalid classify response: missing string at %q", c.labelPath)}
	}
	confidence := gjson.GetBytes(data, c.confidencePath)
	if confidence.Type != gjson.Number {
		return predictor.Result{}, &parseError{msg: fmt.Sprintf("invalid classify response: missing number at %q", c.confidencePath)}
	}
	return predictor.Result{Label: label.String(), Confidence: confidence.Float()}, nil
}

func retryable(err error) bool {
	var upstreamErr *Error
	if errors.As(err, &upstreamErr) {
		return upstreamErr.StatusCode >= 500 || upstreamErr.StatusCode == http.StatusTooManyRequests
	}
	var pErr *parseError
	return !errors.As(err, &pErr)
}

func fileExt(format string) string {
	if format == "" {
		return "bin"
	}
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4096 {
		return s
	}
	return s[:4096] + "..."
}
