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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/eventbus"
	"github.com/orrn/printfleet/internal/logging"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
)

var (
	ErrShutdown        = errors.New("webhook sender stopped")
	ErrUnknownEndpoint = errors.New("unknown webhook endpoint")
)

// EndpointStats summarises deliveries to one endpoint since startup.
type EndpointStats struct {
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Events      []string   `json:"events,omitempty"`
	Signed      bool       `json:"signed"`
	Delivered   int64      `json:"delivered"`
	Failed      int64      `json:"failed"`
	Dropped     int64      `json:"dropped"`
	LastError   string     `json:"last_error,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

type Payload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

type task struct {
	endpoint config.WebhookEndpoint
	payload  *Payload
	attempt  int
}

// statusError is a non-2xx answer from an endpoint.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("http error: %d", e.code) }

type Sender struct {
	endpoints   []config.WebhookEndpoint
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	logger      hclog.Logger
	queue       chan *task
	statsMu     sync.Mutex
	stats       map[string]*EndpointStats
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewSender(cfg config.WebhooksConfig, logger hclog.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	stats := make(map[string]*EndpointStats, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		stats[ep.Name] = &EndpointStats{Name: ep.Name, URL: ep.URL, Events: ep.Events, Signed: ep.Secret != ""}
	}

	return &Sender{
		endpoints:   cfg.Endpoints,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		logger:      logging.OrNull(logger).Named("webhook"),
		queue:       make(chan *task, cfg.QueueSize),
		stats:       stats,
		stopCh:      make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

// Listen subscribes to job and queue events and forwards them until ctx is
// done. The subscription is in place when Listen returns.
func (s *Sender) Listen(ctx context.Context, bus *eventbus.Bus) {
	kinds := append(append([]eventbus.Kind{}, eventbus.JobKinds...), eventbus.QueueKinds...)
	sub := bus.Subscribe("webhooks", kinds...)
	go func() {
		defer sub.Close()
		eventbus.Dispatch(ctx, sub, func(_ context.Context, evt eventbus.Event) {
			s.Notify(evt)
		})
	}()
}

// Notify queues evt for every endpoint subscribed to its kind. When the queue
// is full the delivery is dropped.
func (s *Sender) Notify(evt eventbus.Event) int {
	kind := string(evt.Kind())
	queued := 0
	for _, ep := range s.endpoints {
		if !wants(ep, kind) {
			continue
		}
		t := &task{
			endpoint: ep,
			payload: &Payload{
				Event:     kind,
				Timestamp: time.Now(),
				Data:      evt,
			},
		}
		select {
		case s.queue <- t:
			queued++
		default:
			s.record(ep.Name, func(st *EndpointStats) { st.Dropped++ })
			s.logger.Warn("queue full, dropping webhook", "endpoint", ep.Name, "event", kind)
		}
	}
	return queued
}

// wants matches exact kinds, "job.*" style prefixes and "*". No filter means
// every event.
func wants(ep config.WebhookEndpoint, kind string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		switch {
		case e == "*" || e == kind:
			return true
		case strings.HasSuffix(e, ".*") && strings.HasPrefix(kind, strings.TrimSuffix(e, "*")):
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			err := s.sendWithRetry(t)
			now := time.Now()
			s.record(t.endpoint.Name, func(st *EndpointStats) {
				st.LastAttempt = &now
				if err != nil {
					st.Failed++
					st.LastError = err.Error()
					return
				}
				st.Delivered++
				st.LastError = ""
			})
			if err != nil && !errors.Is(err, ErrShutdown) {
				s.logger.Error("webhook delivery failed", "worker", id, "endpoint", t.endpoint.Name,
					"event", t.payload.Event, "attempts", t.attempt, "error", err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			s.logger.Warn("client error, not retrying", "endpoint", t.endpoint.Name, "error", err)
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Debug("retrying webhook", "attempt", t.attempt, "max", s.retryCount,
				"endpoint", t.endpoint.Name, "backoff", backoff, "error", err)

			select {
			case <-s.stopCh:
				return ErrShutdown
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ep config.WebhookEndpoint, payload *Payload) error {
	return s.sendRequestContext(context.Background(), ep, payload)
}

func (s *Sender) sendRequestContext(ctx context.Context, ep config.WebhookEndpoint, payload *Payload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if ep.Secret != "" {
		payload.Signature = Sign(data, ep.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, payload.Signature)
	req.Header.Set(HeaderEvent, payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}

	return nil
}

// Ping sends a single unretried test delivery to the named endpoint.
func (s *Sender) Ping(ctx context.Context, name string) error {
	for _, ep := range s.endpoints {
		if ep.Name != name {
			continue
		}
		payload := &Payload{
			Event:     "ping",
			Timestamp: time.Now(),
			Data:      map[string]string{"endpoint": name},
		}
		return s.sendRequestContext(ctx, ep, payload)
	}
	return fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
}

// Stats returns delivery counters for every configured endpoint.
func (s *Sender) Stats() []EndpointStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make([]EndpointStats, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, *s.stats[ep.Name])
	}
	return out
}

func (s *Sender) record(name string, fn func(*EndpointStats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if st, ok := s.stats[name]; ok {
		fn(st)
	}
}

// Sign returns the hex HMAC-SHA256 of the JSON encoded event data.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
