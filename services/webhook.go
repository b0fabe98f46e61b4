package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a webhook
// secret is configured.
const SignatureHeader = "X-Signature-256"

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSender posts JSON payloads to operator-supplied URLs. Every send is
// validated by the SSRF guard and bounded by the send timeout. There are no
// in-line retries; a per-host circuit breaker stops hammering a dead
// endpoint until the next pass.
type WebhookSender struct {
	guard   *SSRFGuard
	client  HTTPDoer
	secret  string
	timeout time.Duration

	mu       sync.Mutex
	breakers map[string]failsafe.Executor[*http.Response]
}

func NewWebhookSender(guard *SSRFGuard, secret string, timeout time.Duration) *WebhookSender {
	client := &http.Client{
		Transport: guard.Transport(timeout),
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return newWebhookSender(guard, client, secret, timeout)
}

func newWebhookSender(guard *SSRFGuard, client HTTPDoer, secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		guard:    guard,
		client:   client,
		secret:   secret,
		timeout:  timeout,
		breakers: make(map[string]failsafe.Executor[*http.Response]),
	}
}

//nolint:bodyclose // *http.Response is only the type parameter
func (w *WebhookSender) executor(host string) failsafe.Executor[*http.Response] {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ex, ok := w.breakers[host]; ok {
		return ex
	}
	cb := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(time.Minute).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= 500)
		}).
		Build()
	ex := failsafe.With[*http.Response](cb)
	w.breakers[host] = ex
	return ex
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send validates rawURL and posts payload as JSON. SSRF rejections wrap
// ErrSSRFBlocked; everything else that goes wrong wraps ErrDispatchFailure.
func (w *WebhookSender) Send(ctx context.Context, rawURL string, payload any) error {
	target, err := w.guard.Validate(ctx, rawURL)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %v", ErrDispatchFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDispatchFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dmarcwatch-webhook/1.0")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.executor(target.Host).WithContext(ctx).Get(func() (*http.Response, error) {
		return w.client.Do(req)
	})
	if err != nil {
		return fmt.Errorf("%w: post %s: %v", ErrDispatchFailure, target.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s answered %d", ErrDispatchFailure, target.Host, resp.StatusCode)
	}
	return nil
}
