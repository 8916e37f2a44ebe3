package push

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Outcome classifies the result of one push-service POST, per spec
// §4.5 step 4.
type Outcome int

const (
	// OutcomeDelivered is a 2xx response: ack the entry.
	OutcomeDelivered Outcome = iota
	// OutcomeGone is 404/410: the endpoint is permanently dead.
	OutcomeGone
	// OutcomeThrottled is 429: retry after the given delay.
	OutcomeThrottled
	// OutcomeTransientFailure is 5xx or a transport error: retry with backoff.
	OutcomeTransientFailure
	// OutcomeRejected is any other 4xx: unrecoverable, drop and log.
	OutcomeRejected
)

// Result carries the outcome plus any retry-after hint.
type Result struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Status     int
	Err        error
}

// Dispatcher POSTs encrypted envelopes to push services.
type Dispatcher struct {
	client *http.Client
	vapid  *VAPIDSigner
}

// NewDispatcher constructs a Dispatcher with a bounded outer timeout
// per attempt (spec §5: "a delivery attempt is bounded by a 30s outer
// timeout").
func NewDispatcher(vapid *VAPIDSigner) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: 30 * time.Second},
		vapid:  vapid,
	}
}

// Send encrypts envelopeJSON under sub and POSTs the result to
// endpoint, returning a classified Result.
func (d *Dispatcher) Send(ctx context.Context, endpoint string, sub Subscriber, envelopeJSON []byte) Result {
	ciphertext, err := Encrypt(sub, envelopeJSON)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}
	}

	auth, err := d.vapid.Authorization(endpoint)
	if err != nil {
		return Result{Outcome: OutcomeTransientFailure, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(ciphertext))
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("TTL", "86400")
	req.Header.Set("Authorization", auth)

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransientFailure, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classify(resp)
}

func classify(resp *http.Response) Result {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return Result{Outcome: OutcomeDelivered, Status: status}
	case status == http.StatusNotFound || status == http.StatusGone:
		return Result{Outcome: OutcomeGone, Status: status}
	case status == http.StatusTooManyRequests:
		return Result{Outcome: OutcomeThrottled, Status: status, RetryAfter: retryAfter(resp, 30*time.Second)}
	case status >= 500:
		return Result{Outcome: OutcomeTransientFailure, Status: status}
	default:
		return Result{Outcome: OutcomeRejected, Status: status}
	}
}

func retryAfter(resp *http.Response, cap time.Duration) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return cap
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		d := time.Duration(secs) * time.Second
		if d > cap {
			return cap
		}
		if d < 0 {
			return 0
		}
		return d
	}
	return cap
}
