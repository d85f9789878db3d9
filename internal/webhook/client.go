package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Upscaler-Signature"
	HeaderTimestamp = "X-Upscaler-Timestamp"
	HeaderEvent     = "X-Upscaler-Event"
	// HeaderDelivery is stable across the retries of one Send call so
	// receivers can drop duplicates.
	HeaderDelivery = "X-Upscaler-Delivery"

	UserAgent = "upscaler-webhook/1"

	maxRetryAfter = 5 * time.Minute
)

// ErrPermanent marks a delivery the receiver refused in a way retries
// cannot fix.
var ErrPermanent = errors.New("webhook rejected permanently")

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(cfg.MaxAttempts, 1),
		initialBackoff: initialBackoff,
		maxBackoff:     max(cfg.MaxBackoff, initialBackoff),
	}
}

// Send posts payload as JSON to endpoint, retrying transport errors and 5xx
// answers with exponential backoff. A Retry-After header on 429 or 503
// replaces the computed backoff, capped at five minutes.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := c.sign(timestamp, body)
	deliveryID := uuid.NewString()

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", UserAgent)
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, event)
		req.Header.Set(HeaderDelivery, deliveryID)

		wait, err := c.attempt(req)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == c.maxAttempts || errors.Is(err, ErrPermanent) {
			break
		}
		if wait <= 0 {
			wait = backoff
			backoff = min(backoff*2, c.maxBackoff)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("webhook delivery to %s failed: %w", endpoint, lastErr)
}

// attempt performs one POST. The returned duration is a server-requested
// wait before the next attempt, or zero.
func (c *Client) attempt(req *http.Request) (time.Duration, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return 0, nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook returned status=%d", code)
	case code == http.StatusRequestTimeout || code >= 500:
		return 0, fmt.Errorf("webhook returned status=%d", code)
	default:
		return 0, fmt.Errorf("%w: status=%d", ErrPermanent, code)
	}
}

func retryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}

func (c *Client) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by a Client with the same secret.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	c := Client{signingSecret: secret}
	return hmac.Equal([]byte(c.sign(timestamp, body)), []byte(signature))
}
