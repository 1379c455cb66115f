package adapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/orrn/printfleet/internal/eventbus"
)

var (
	ErrNotAuthenticated = errors.New("printer session is not authenticated")
	ErrAborted          = errors.New("printer session aborted, reconfigure credentials")
	ErrCommandRejected  = errors.New("printer rejected command")
	ErrHeartbeatActive  = errors.New("heartbeat already running")
)

const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultHeartbeatInterval = 7500 * time.Millisecond
	DefaultPongTimeout       = 5 * time.Second
)

// Adapter keeps one logical session to a printer alive and exposes a
// transport independent command surface. Connectivity failures never surface
// as errors from Connect; they are visible through Snapshot and bus events.
type Adapter interface {
	PrinterID() string
	Connect(ctx context.Context) error
	Disconnect() error
	StartPrint(ctx context.Context, file PrintFile) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	SendRaw(ctx context.Context, payload []byte) error
	Upload(ctx context.Context, name string, r io.Reader, size int64) error
	Snapshot() Snapshot
	Reconfigure(creds Credentials)
	ReconnectPending() bool
}

type PrintFile struct {
	Name  string
	Plate int
}

type Credentials struct {
	Username string
	Password string
	APIKey   string
}

type Snapshot struct {
	PrinterID      string              `json:"printer_id"`
	SocketState    SocketState         `json:"socket_state"`
	APIState       APIState            `json:"api_state"`
	LastMessageAt  *time.Time          `json:"last_message_at,omitempty"`
	ReauthRequired bool                `json:"reauth_required"`
	LastTelemetry  *eventbus.Telemetry `json:"last_telemetry,omitempty"`
}

// Options configure either variant. Zero durations take the package defaults.
type Options struct {
	PrinterID         string
	Endpoint          string
	Username          string
	Password          string
	APIKey            string
	DeviceID          string
	ConnectionTimeout time.Duration
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HTTPClient        *http.Client
}

func (o Options) withDefaults() Options {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.ConnectionTimeout}
	}
	return o
}
