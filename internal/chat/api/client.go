// Package api is the REST client of the chat backend. Every request carries a
// bearer token and a per-request timeout, runs through a circuit breaker, and
// idempotent reads are retried with exponential backoff.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/medrx/adminchat/internal/chat/message"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("api: backend unavailable")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: status %d", e.Code)
	}
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status of err, or 0 when err is not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds each request attempt.
	Timeout time.Duration
	// Retries is the number of extra attempts for idempotent reads.
	Retries uint64
	// BreakerFailures consecutive failures open the circuit.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the chat REST endpoints.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	retries uint64
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	logger := cfg.Logger.With().Str("component", "api").Logger()

	st := gobreaker.Settings{
		Name:        "chat-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			var ab *abandoned
			if errors.As(err, &ab) {
				return true
			}
			code := StatusCode(err)
			return err == nil || (code >= 400 && code < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state")
		},
	}

	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		http:    cfg.HTTPClient,
		cb:      gobreaker.NewCircuitBreaker(st),
		log:     logger,
	}
}

// ---------------------------------------------------------------------------
// Doctor chat endpoints
// ---------------------------------------------------------------------------

// DoctorsList fetches the roster as decoded JSON (an array or {doctors: [...]}).
func (c *Client) DoctorsList(ctx context.Context) (any, error) {
	data, err := c.get(ctx, "/api/chat/doctors-list")
	if err != nil {
		return nil, err
	}
	return decodeAny(data)
}

// History fetches the conversation with doctorID.
func (c *Client) History(ctx context.Context, doctorID string) ([]message.Message, error) {
	data, err := c.get(ctx, "/api/chat/messages/"+url.PathEscape(doctorID))
	if err != nil {
		return nil, err
	}
	return message.NormalizeList(json.RawMessage(data)), nil
}

// Send posts a message. tempID is echoed by backends that support it.
func (c *Client) Send(ctx context.Context, doctorID, body, tempID string) (message.Message, error) {
	payload := map[string]string{"doctorId": doctorID, "message": body}
	if tempID != "" {
		payload["tempId"] = tempID
	}
	data, err := c.sendJSON(ctx, http.MethodPost, "/api/chat/send", payload)
	if err != nil {
		return message.Message{}, err
	}
	return message.Normalize(json.RawMessage(data)), nil
}

// MarkSeen marks every counterpart message of doctorID as seen.
func (c *Client) MarkSeen(ctx context.Context, doctorID string) error {
	_, err := c.sendJSON(ctx, http.MethodPost, "/api/chat/mark-seen", map[string]string{"doctorId": doctorID})
	return err
}

// Update replaces the body of message id.
func (c *Client) Update(ctx context.Context, id, body string) (message.Message, error) {
	data, err := c.sendJSON(ctx, http.MethodPut, "/api/chat/message/update/"+url.PathEscape(id), map[string]string{"message": body})
	if err != nil {
		return message.Message{}, err
	}
	return message.Normalize(json.RawMessage(data)), nil
}

// Delete removes message id.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/chat/message/delete/"+url.PathEscape(id), nil, "")
	return err
}

// ---------------------------------------------------------------------------
// Session endpoints
// ---------------------------------------------------------------------------

// Session fetches the messages of a doctor-review session.
func (c *Client) Session(ctx context.Context, sessionID string) ([]message.Message, error) {
	data, err := c.get(ctx, "/api/chat-session/session/"+url.PathEscape(sessionID))
	if err != nil {
		return nil, err
	}
	return message.NormalizeList(json.RawMessage(data)), nil
}

// SessionReply posts an admin response into a session.
func (c *Client) SessionReply(ctx context.Context, sessionID, body, tempID string) (message.Message, error) {
	payload := map[string]string{"message": body}
	if tempID != "" {
		payload["tempId"] = tempID
	}
	data, err := c.sendJSON(ctx, http.MethodPost, "/api/chat-session/admin-response/"+url.PathEscape(sessionID), payload)
	if err != nil {
		return message.Message{}, err
	}
	return message.Normalize(json.RawMessage(data)), nil
}

// UploadSessionFile posts r as a multipart file into a session.
func (c *Client) UploadSessionFile(ctx context.Context, sessionID, name, mimeType string, r io.Reader) (message.Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return message.Message{}, fmt.Errorf("api: create multipart: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return message.Message{}, fmt.Errorf("api: read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return message.Message{}, fmt.Errorf("api: close multipart: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/api/chat-session/"+url.PathEscape(sessionID)+"/upload-file", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return message.Message{}, err
	}
	return message.Normalize(json.RawMessage(data)), nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) sendJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("api: encode body: %w", err)
	}
	return c.do(ctx, method, path, body, "application/json")
}

// get retries transient failures; 4xx responses and an open breaker are final.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	op := func() error {
		var err error
		data, err = c.do(ctx, http.MethodGet, path, nil, "")
		if err == nil {
			return nil
		}
		if code := StatusCode(err); code >= 400 && code < 500 {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.log.Debug().Err(err).Str("path", path).Msg("retrying request")
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

// abandoned wraps a failure caused by the caller's own context, which says
// nothing about backend health and must not trip the breaker.
type abandoned struct{ err error }

func (a *abandoned) Error() string { return a.err.Error() }
func (a *abandoned) Unwrap() error { return a.err }

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := c.cb.Execute(func() (interface{}, error) {
		data, err := c.roundTrip(ctx, method, path, body, contentType)
		if err != nil && ctx.Err() != nil {
			return nil, &abandoned{err: err}
		}
		return data, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	var ab *abandoned
	if errors.As(err, &ab) {
		return nil, ab.err
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("api: read %s %s: %w", method, path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func decodeAny(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("api: decode response: %w", err)
	}
	return v, nil
}
