package arm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/claim"
	"github.com/cuongbtq/postdispatch/internal/dispatch"
)

const maxResponseBody = 1 << 20

// APIError is a non-2xx answer from the Brain
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("brain returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client talks to the Brain's worker API
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a Brain API client
func NewClient(baseURL string, timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		http:      &http.Client{Timeout: timeout},
	}
}

// SetToken replaces the worker credential used for authenticated calls
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current worker credential
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) do(ctx context.Context, method, path string, body any, auth bool, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.Token())
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &envelope)
		if envelope.Error == "" {
			envelope.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Credential is a token returned by register or auth
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Register registers the worker and stores the returned credential
func (c *Client) Register(ctx context.Context, req dto.RegisterWorkerRequest) (*Credential, error) {
	var cred Credential
	if err := c.do(ctx, http.MethodPost, "/api/workers/register", req, false, &cred); err != nil {
		return nil, err
	}
	c.SetToken(cred.Token)
	return &cred, nil
}

// Auth re-issues the credential of an already registered worker
func (c *Client) Auth(ctx context.Context, req dto.AuthWorkerRequest) (*Credential, error) {
	var cred Credential
	if err := c.do(ctx, http.MethodPost, "/api/workers/auth", req, false, &cred); err != nil {
		return nil, err
	}
	c.SetToken(cred.Token)
	return &cred, nil
}

// Pull asks for up to limit claimed jobs
func (c *Client) Pull(ctx context.Context, limit int) ([]claim.PulledJob, error) {
	var resp dto.PullJobsResponse
	path := "/api/workers/jobs/pull?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Credentials fetches the minimal credential for a pulled job
func (c *Client) Credentials(ctx context.Context, accountID, jobID string) (*dto.CredentialsResponse, error) {
	var resp struct {
		Credentials dto.CredentialsResponse `json:"credentials"`
	}
	path := "/api/workers/credentials/" + url.PathEscape(accountID) + "?jobId=" + url.QueryEscape(jobID)
	if err := c.do(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return &resp.Credentials, nil
}

// Complete reports a published job
func (c *Client) Complete(ctx context.Context, jobID string, req dto.CompleteJobRequest) error {
	return c.do(ctx, http.MethodPost, "/api/workers/jobs/"+url.PathEscape(jobID)+"/complete", req, true, nil)
}

// Fail reports a failed attempt and returns whether the Brain will retry it
func (c *Client) Fail(ctx context.Context, jobID string, req dto.FailJobRequest) (bool, error) {
	var resp struct {
		WillRetry bool `json:"willRetry"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/workers/jobs/"+url.PathEscape(jobID)+"/fail", req, true, &resp); err != nil {
		return false, err
	}
	return resp.WillRetry, nil
}

// Health sends a health ping
func (c *Client) Health(ctx context.Context, req dto.HealthRequest) error {
	return c.do(ctx, http.MethodPost, "/api/workers/health", req, true, nil)
}

// Callback posts a signed callback for a pushed job to callbackURL
func (c *Client) Callback(ctx context.Context, callbackURL, secret string, cb dispatch.Callback, now time.Time) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := now.UnixMilli()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(dispatch.HeaderCallbackTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(dispatch.HeaderCallbackSignature, dispatch.SignCallback(secret, body, ts))
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return c.send(req, nil)
}
