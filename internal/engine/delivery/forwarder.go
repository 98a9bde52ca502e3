package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"eqagent/internal/platform/models"
)

type Outcome int

const (
	// Success: the destination returned 2xx; the item is done.
	Success Outcome = iota
	// TransientFailure: connect error or 5xx; eligible for timed retry.
	TransientFailure
	// PermanentFailure: 4xx (the destination rejected the request);
	// only a manual retry or deletion advances the item.
	PermanentFailure
)

// Result is the classified outcome of one forward attempt.
type Result struct {
	Outcome Outcome
	Status  int
	Reason  string
}

// Forwarder replays a decrypted request against a route's private
// destination with a bounded timeout.
type Forwarder struct {
	client *http.Client
}

func NewForwarder(timeout time.Duration) *Forwarder {
	return &Forwarder{client: &http.Client{Timeout: timeout}}
}

func (f *Forwarder) Forward(ctx context.Context, route *models.Route, msg *models.Message) Result {
	req, err := f.buildRequest(ctx, route, msg)
	if err != nil {
		return Result{Outcome: PermanentFailure, Reason: err.Error()}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{Outcome: TransientFailure, Reason: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return Result{Outcome: Success, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return Result{
			Outcome: TransientFailure,
			Status:  resp.StatusCode,
			Reason:  fmt.Sprintf("destination returned %d", resp.StatusCode),
		}
	default:
		return Result{
			Outcome: PermanentFailure,
			Status:  resp.StatusCode,
			Reason:  fmt.Sprintf("destination rejected request with %d", resp.StatusCode),
		}
	}
}

// buildRequest reconstructs the original request against the route's
// destination: same method, headers, query params and raw body.
func (f *Forwarder) buildRequest(ctx context.Context, route *models.Route, msg *models.Message) (*http.Request, error) {
	dest, err := url.Parse(route.DestinationURL)
	if err != nil {
		return nil, fmt.Errorf("invalid destination url: %w", err)
	}

	query := dest.Query()
	for _, p := range msg.Params {
		query.Add(p[0], p[1])
	}
	dest.RawQuery = query.Encode()

	method := msg.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, dest.String(), bytes.NewReader(msg.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
