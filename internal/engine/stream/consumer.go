package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"eqagent/internal/platform/central"
	"eqagent/internal/platform/models"
)

// Handler receives each item pushed by the central service. A non-nil
// error stops the consumer: the only errors a handler returns are
// ledger write failures, which must take the process down rather than
// let an unpersisted item be skipped.
type Handler func(ctx context.Context, item *models.EncryptedItem) error

// Consumer maintains the long-lived SSE connection to the central
// service. On connect the server flushes the backlog before switching
// to live push; the consumer treats both identically and relies on the
// handler's idempotent ingest. Connection failures reconnect forever
// with a fixed delay.
type Consumer struct {
	url     string
	creds   central.Credentials
	client  *http.Client
	handler Handler

	reconnectDelay time.Duration
	lastEventID    string
}

func NewConsumer(baseURL string, creds central.Credentials, reconnectDelay time.Duration, handler Handler) *Consumer {
	return &Consumer{
		url:            strings.TrimRight(baseURL, "/") + "/api/events",
		creds:          creds,
		client:         &http.Client{}, // no client timeout: the stream is long-lived
		handler:        handler,
		reconnectDelay: reconnectDelay,
	}
}

// Run blocks until ctx is cancelled or the handler reports a fatal
// error. Stream errors are logged and retried indefinitely; the agent
// is meant to run unattended.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if err != nil && ctx.Err() == nil {
			if _, fatal := err.(*HandlerError); fatal {
				return err
			}
			log.Error().Err(err).Dur("reconnect_in", c.reconnectDelay).Msg("stream disconnected")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// HandlerError marks an ingest failure that must stop the agent.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

func (c *Consumer) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Api-Key", c.creds.Key)
	req.Header.Set("X-Api-Secret", c.creds.Secret)
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream connect: server returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("stream connect: unexpected content type %q", ct)
	}

	log.Info().Str("url", c.url).Msg("connected to event stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventID, data string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data != "" {
				if eventID != "" {
					c.lastEventID = eventID
				}
				if err := c.dispatch(ctx, data); err != nil {
					return err
				}
			}
			eventID, data = "", ""
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, "retry:"):
			if ms, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil && ms > 0 {
				c.reconnectDelay = time.Duration(ms) * time.Millisecond
			}
		}
		// Comment lines (":") and unknown fields are ignored.
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

func (c *Consumer) dispatch(ctx context.Context, data string) error {
	var item models.EncryptedItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		log.Error().Err(err).Str("data", data).Msg("received malformed event")
		return nil
	}
	if item.ID == "" {
		log.Error().Str("data", data).Msg("received event without id")
		return nil
	}

	if err := c.handler(ctx, &item); err != nil {
		return &HandlerError{Err: err}
	}
	return nil
}
