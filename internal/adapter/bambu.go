package adapter

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jlaffaye/ftp"

	"github.com/orrn/printfleet/internal/eventbus"
	"github.com/orrn/printfleet/internal/logging"
)

const (
	bambuMQTTPort    = 8883
	bambuFTPSPort    = 990
	bambuDefaultUser = "bblp"
)

// mqttClient is the subset of mqtt.Client the adapter uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

type ftpConn interface {
	Login(user, password string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

// BambuAdapter speaks to printers that publish status over an MQTT broker on
// the device and accept files over implicit FTPS.
type BambuAdapter struct {
	opts      Options
	host      string
	logger    hclog.Logger
	sess      *session
	reconnect *Reconnector

	newClient func(*mqtt.ClientOptions) mqttClient
	dialFTP   func(addr string, opts ...ftp.DialOption) (ftpConn, error)

	connecting atomic.Bool
	seq        atomic.Uint64

	mu            sync.Mutex
	client        mqttClient
	state         *brokerState
	cancelConnect context.CancelFunc
}

func NewBambu(opts Options, bus *eventbus.Bus, logger hclog.Logger) *BambuAdapter {
	opts = opts.withDefaults()
	if opts.Username == "" {
		opts.Username = bambuDefaultUser
	}
	logger = logging.OrNull(logger).Named("bambu").With("printer_id", opts.PrinterID)

	a := &BambuAdapter{
		opts:   opts,
		host:   brokerHost(opts.Endpoint),
		logger: logger,
		sess:   newSession(opts.PrinterID, bus, logger),
		newClient: func(o *mqtt.ClientOptions) mqttClient {
			return mqtt.NewClient(o)
		},
		dialFTP: func(addr string, o ...ftp.DialOption) (ftpConn, error) {
			return ftp.Dial(addr, o...)
		},
		state: newBrokerState(),
	}
	a.reconnect = NewReconnector(opts.ReconnectInterval, a.reconnectAttempt, a.sess.shouldReconnect, logger)
	a.sess.reconnect = a.reconnect
	return a
}

func brokerHost(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		return h
	}
	return endpoint
}

func (a *BambuAdapter) reportTopic() string  { return "device/" + a.opts.DeviceID + "/report" }
func (a *BambuAdapter) requestTopic() string { return "device/" + a.opts.DeviceID + "/request" }

func (a *BambuAdapter) PrinterID() string { return a.opts.PrinterID }

func (a *BambuAdapter) Snapshot() Snapshot { return a.sess.snapshot() }

func (a *BambuAdapter) ReconnectPending() bool { return a.reconnect.Pending() }

func (a *BambuAdapter) Reconfigure(creds Credentials) {
	a.mu.Lock()
	if creds.Username != "" {
		a.opts.Username = creds.Username
	}
	a.opts.Password = creds.Password
	a.mu.Unlock()
	a.sess.clearAbort()
}

func (a *BambuAdapter) credentials() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.Username, a.opts.Password
}

func (a *BambuAdapter) Connect(ctx context.Context) error {
	if a.sess.aborted() {
		return ErrAborted
	}
	if a.sess.authenticated() {
		return nil
	}
	a.sess.setOperatorClosed(false)
	return a.connect(ctx)
}

func (a *BambuAdapter) reconnectAttempt() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*a.opts.ConnectionTimeout)
	defer cancel()
	_ = a.connect(ctx)
}

func (a *BambuAdapter) clientOptions() *mqtt.ClientOptions {
	user, pass := a.credentials()
	o := mqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("ssl://%s:%d", a.host, bambuMQTTPort))
	o.SetClientID("printfleet-" + a.opts.PrinterID + "-" + uuid.NewString()[:8])
	o.SetUsername(user)
	o.SetPassword(pass)
	// the printer serves a self-signed certificate
	o.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetConnectTimeout(a.opts.ConnectionTimeout)
	o.SetKeepAlive(30 * time.Second)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) { a.onConnectionLost(err) })
	return o
}

func (a *BambuAdapter) connect(ctx context.Context) error {
	if !a.connecting.CompareAndSwap(false, true) {
		return nil
	}
	defer a.connecting.Store(false)

	if a.sess.aborted() {
		return ErrAborted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !a.beginConnect(cancel) {
		return nil
	}
	defer a.endConnect()

	a.teardown()
	a.sess.transition(SocketOpening, "")

	client := a.newClient(a.clientOptions())
	if err := waitToken(ctx, client.Connect(), a.opts.ConnectionTimeout); err != nil {
		client.Disconnect(0)
		if a.sess.isOperatorClosed() {
			return nil
		}
		if isBadCredentials(err) {
			a.logger.Error("broker rejected credentials", "error", err)
			a.sess.transition(SocketAborted, APIAuthFail)
			return ErrAborted
		}
		a.sess.fail(fmt.Sprintf("connect: %v", err), APINoResponse)
		return nil
	}

	a.mu.Lock()
	if a.sess.isOperatorClosed() {
		a.mu.Unlock()
		client.Disconnect(0)
		return nil
	}
	a.client = client
	a.state.reset()
	a.mu.Unlock()

	a.sess.transition(SocketOpened, APIResponding)
	a.sess.transition(SocketAuthenticating, "")

	if err := waitToken(ctx, client.Subscribe(a.reportTopic(), 0, func(_ mqtt.Client, m mqtt.Message) {
		a.handleReport(m.Payload())
	}), a.opts.ConnectionTimeout); err != nil {
		a.sess.fail(fmt.Sprintf("subscribe: %v", err), "")
		a.dropClient(client)
		return nil
	}

	a.mu.Lock()
	current := a.client == client
	a.mu.Unlock()
	if !current {
		// closed by the operator or lost while subscribing
		client.Disconnect(0)
		return nil
	}
	a.sess.transition(SocketAuthenticated, "")
	if err := a.publish(map[string]any{"pushing": map[string]any{"command": "pushall"}}); err != nil {
		a.logger.Warn("pushall failed", "error", err)
	}
	return nil
}

// beginConnect registers the cancel func of an attempt so Disconnect can stop
// it. It refuses once the operator has closed the adapter.
func (a *BambuAdapter) beginConnect(cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess.isOperatorClosed() {
		return false
	}
	a.cancelConnect = cancel
	return true
}

func (a *BambuAdapter) endConnect() {
	a.mu.Lock()
	a.cancelConnect = nil
	a.mu.Unlock()
}

var errTokenTimeout = errors.New("timed out")

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errTokenTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isBadCredentials(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}

func (a *BambuAdapter) onConnectionLost(err error) {
	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()
	if a.sess.isOperatorClosed() {
		return
	}
	a.sess.fail(fmt.Sprintf("connection lost: %v", err), "")
}

func (a *BambuAdapter) dropClient(client mqttClient) {
	a.mu.Lock()
	if a.client == client {
		a.client = nil
	}
	a.mu.Unlock()
	client.Disconnect(250)
}

func (a *BambuAdapter) teardown() {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

// handleReport merges one status report and publishes the telemetry.
func (a *BambuAdapter) handleReport(payload []byte) {
	a.sess.touch()
	a.mu.Lock()
	t, ok, err := a.state.merge(payload, time.Now())
	a.mu.Unlock()
	if err != nil {
		a.logger.Debug("ignoring malformed report", "error", err)
		return
	}
	if !ok {
		return
	}
	a.sess.emitTelemetry(t)
}

func (a *BambuAdapter) Disconnect() error {
	a.mu.Lock()
	a.sess.setOperatorClosed(true)
	cancel := a.cancelConnect
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.reconnect.Cancel()
	a.teardown()
	switch sock, _ := a.sess.state(); sock {
	case SocketUnopened, SocketClosed, SocketAborted:
	default:
		a.sess.apply(SocketClosed, "", "closed by operator")
	}
	return nil
}

// publish sends a command document with the next sequence id. Delivery is
// not correlated with any reply.
func (a *BambuAdapter) publish(doc map[string]any) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return ErrNotAuthenticated
	}

	seq := strconv.FormatUint(a.seq.Add(1), 10)
	for _, v := range doc {
		if inner, ok := v.(map[string]any); ok {
			inner["sequence_id"] = seq
		}
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	tok := client.Publish(a.requestTopic(), 0, false, body)
	if err := waitToken(context.Background(), tok, a.opts.ConnectionTimeout); err != nil {
		a.logger.Warn("command publish failed", "sequence_id", seq, "error", err)
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}

func (a *BambuAdapter) command(doc map[string]any) error {
	if !a.sess.authenticated() {
		return ErrNotAuthenticated
	}
	return a.publish(doc)
}

func (a *BambuAdapter) StartPrint(_ context.Context, file PrintFile) error {
	if strings.HasSuffix(strings.ToLower(file.Name), ".3mf") {
		plate := file.Plate
		if plate < 1 {
			plate = 1
		}
		return a.command(map[string]any{"print": map[string]any{
			"command":        "project_file",
			"param":          fmt.Sprintf("Metadata/plate_%d.gcode", plate),
			"url":            "ftp:///" + file.Name,
			"subtask_name":   file.Name,
			"use_ams":        false,
			"timelapse":      false,
			"bed_leveling":   true,
			"flow_cali":      false,
			"vibration_cali": false,
		}})
	}
	return a.command(map[string]any{"print": map[string]any{
		"command": "gcode_file",
		"param":   "/sdcard/" + file.Name,
	}})
}

func (a *BambuAdapter) Pause(context.Context) error {
	return a.command(map[string]any{"print": map[string]any{"command": "pause"}})
}

func (a *BambuAdapter) Resume(context.Context) error {
	return a.command(map[string]any{"print": map[string]any{"command": "resume"}})
}

func (a *BambuAdapter) Stop(context.Context) error {
	return a.command(map[string]any{"print": map[string]any{"command": "stop"}})
}

func (a *BambuAdapter) SendRaw(_ context.Context, payload []byte) error {
	return a.command(map[string]any{"print": map[string]any{
		"command": "gcode_line",
		"param":   string(payload),
	}})
}

// Upload stores the file on the printer's storage over implicit FTPS.
func (a *BambuAdapter) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if !a.sess.authenticated() {
		return ErrNotAuthenticated
	}
	user, pass := a.credentials()
	addr := net.JoinHostPort(a.host, strconv.Itoa(bambuFTPSPort))
	conn, err := a.dialFTP(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(a.opts.ConnectionTimeout),
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}),
	)
	if err != nil {
		return fmt.Errorf("ftps dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(user, pass); err != nil {
		return fmt.Errorf("ftps login: %w", err)
	}
	a.logger.Debug("uploading file", "file", name, "size", size)
	if err := conn.Stor(name, r); err != nil {
		return fmt.Errorf("ftps store %s: %w", name, err)
	}
	return nil
}
