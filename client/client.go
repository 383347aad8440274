// Package client calls a running face embedding server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Tutortoise/face-embedding-service/faceembed"
	"github.com/Tutortoise/face-embedding-service/server"
)

const DefaultTimeout = 60 * time.Second

// APIError is a non-200 response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Detail is the "error" field of 500 responses.
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("face embedding: status %d: %s: %s", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("face embedding: status %d: %s", e.StatusCode, e.Message)
}

// Is lets callers test client errors with the same sentinels the service
// uses, for example errors.Is(err, faceembed.ErrNoFaceDetected).
func (e *APIError) Is(target error) bool {
	if e.StatusCode != http.StatusBadRequest {
		return false
	}
	switch target {
	case faceembed.ErrInvalidImage:
		return e.Message == server.MsgInvalidImage
	case faceembed.ErrNoFaceDetected:
		return e.Message == server.MsgNoFace
	}
	return false
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FaceEmbedding uploads the image in r as the multipart field "file".
func (c *Client) FaceEmbedding(ctx context.Context, r io.Reader, filename string) (*faceembed.Result, error) {
	if filename == "" {
		filename = "image"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/face-embedding", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result faceembed.Result
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var health server.HealthResponse
	if err := c.do(req, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	apiErr.Message = body.Message
	apiErr.Detail = body.Error
	return apiErr
}

// IsAPIError reports whether err came back from the server rather than
// from the transport.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
