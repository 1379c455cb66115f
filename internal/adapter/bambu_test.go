package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/jlaffaye/ftp"

	"github.com/orrn/printfleet/internal/eventbus"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	d := make(chan struct{})
	close(d)
	return &fakeToken{err: err, done: d}
}

// gatedToken completes once gate is closed.
func gatedToken(gate <-chan struct{}, err error) *fakeToken {
	tok := &fakeToken{err: err, done: make(chan struct{})}
	go func() {
		<-gate
		close(tok.done)
	}()
	return tok
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeMQTT struct {
	opts         *mqtt.ClientOptions
	connectErr   error
	subscribeErr error

	// gates hold the connect or subscribe token open until closed; entered
	// receives the name of each held call.
	connectGate   chan struct{}
	subscribeGate chan struct{}
	entered       chan string

	mu          sync.Mutex
	topic       string
	handler     mqtt.MessageHandler
	published   []map[string]map[string]any
	pubTopics   []string
	disconnects int
}

func (c *fakeMQTT) Connect() mqtt.Token {
	if c.connectGate != nil {
		c.entered <- "connect"
		return gatedToken(c.connectGate, c.connectErr)
	}
	return doneToken(c.connectErr)
}

func (c *fakeMQTT) Disconnect(uint) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

func (c *fakeMQTT) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.topic = topic
	c.handler = cb
	c.mu.Unlock()
	if c.subscribeGate != nil {
		c.entered <- "subscribe"
		return gatedToken(c.subscribeGate, c.subscribeErr)
	}
	return doneToken(c.subscribeErr)
}

func (c *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	var doc map[string]map[string]any
	_ = json.Unmarshal(payload.([]byte), &doc)
	c.mu.Lock()
	c.published = append(c.published, doc)
	c.pubTopics = append(c.pubTopics, topic)
	c.mu.Unlock()
	return doneToken(nil)
}

func (c *fakeMQTT) IsConnected() bool { return true }

func (c *fakeMQTT) deliver(payload string) {
	c.mu.Lock()
	h, topic := c.handler, c.topic
	c.mu.Unlock()
	h(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeMQTT) lastPublished() map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[len(c.published)-1]
}

type fakeFTP struct {
	addr   string
	user   string
	stored bytes.Buffer
	name   string
	quit   bool
}

func (f *fakeFTP) Login(user, _ string) error {
	f.user = user
	return nil
}

func (f *fakeFTP) Stor(path string, r io.Reader) error {
	f.name = path
	_, err := io.Copy(&f.stored, r)
	return err
}

func (f *fakeFTP) Quit() error {
	f.quit = true
	return nil
}

func newTestBambu(bus *eventbus.Bus, client *fakeMQTT) *BambuAdapter {
	a := NewBambu(Options{
		PrinterID:         "x1c-01",
		Endpoint:          "10.0.0.9",
		Password:          "12345678",
		DeviceID:          "01S00A000000000",
		ConnectionTimeout: time.Second,
		ReconnectInterval: time.Hour,
	}, bus, nil)
	a.newClient = func(o *mqtt.ClientOptions) mqttClient {
		client.opts = o
		return client
	}
	return a
}

func TestBambuConnectSubscribesAndRequestsFullState(t *testing.T) {
	client := &fakeMQTT{}
	a := newTestBambu(nil, client)
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	snap := a.Snapshot()
	if snap.SocketState != SocketAuthenticated || snap.APIState != APIResponding {
		t.Fatalf("unexpected state %s/%s", snap.SocketState, snap.APIState)
	}
	if got := client.opts.Servers[0].String(); got != "ssl://10.0.0.9:8883" {
		t.Fatalf("unexpected broker %s", got)
	}
	if client.opts.AutoReconnect {
		t.Fatalf("client auto reconnect must be disabled")
	}
	if client.opts.Username != "bblp" {
		t.Fatalf("expected default username, got %q", client.opts.Username)
	}
	if client.topic != "device/01S00A000000000/report" {
		t.Fatalf("unexpected subscription %q", client.topic)
	}
	push := client.lastPublished()
	if push["pushing"]["command"] != "pushall" || push["pushing"]["sequence_id"] != "1" {
		t.Fatalf("unexpected pushall %v", push)
	}
	if client.pubTopics[0] != "device/01S00A000000000/request" {
		t.Fatalf("unexpected request topic %q", client.pubTopics[0])
	}
}

func TestBambuBadCredentialsAbort(t *testing.T) {
	client := &fakeMQTT{connectErr: packets.ErrorRefusedBadUsernameOrPassword}
	a := newTestBambu(nil, client)

	if err := a.Connect(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	snap := a.Snapshot()
	if snap.SocketState != SocketAborted || snap.APIState != APIAuthFail {
		t.Fatalf("unexpected state %s/%s", snap.SocketState, snap.APIState)
	}

	client.connectErr = nil
	a.Reconfigure(Credentials{Password: "87654321"})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect after reconfigure: %v", err)
	}
	if client.opts.Password != "87654321" {
		t.Fatalf("new password not used")
	}
	a.Disconnect()
}

func TestBambuConnectFailureIsState(t *testing.T) {
	client := &fakeMQTT{connectErr: errors.New("network unreachable")}
	a := newTestBambu(nil, client)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect should not return connectivity errors, got %v", err)
	}
	snap := a.Snapshot()
	if snap.SocketState != SocketError || snap.APIState != APINoResponse {
		t.Fatalf("unexpected state %s/%s", snap.SocketState, snap.APIState)
	}
	if a.ReconnectPending() {
		t.Fatalf("no reconnect while the broker does not answer")
	}
}

func TestBambuConnectionLostSchedulesReconnect(t *testing.T) {
	client := &fakeMQTT{}
	a := newTestBambu(nil, client)
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.opts.OnConnectionLost(nil, errors.New("EOF"))
	client.opts.OnConnectionLost(nil, errors.New("EOF"))

	if s := a.Snapshot().SocketState; s != SocketError {
		t.Fatalf("expected error, got %s", s)
	}
	if n := a.reconnect.Scheduled(); n != 1 {
		t.Fatalf("expected one reconnect timer, got %d", n)
	}
	if err := a.SendRaw(context.Background(), []byte("G28")); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestBambuReportsMergeAndDeriveLifecycle(t *testing.T) {
	bus := eventbus.New(64, nil)
	defer bus.Close()
	sub := bus.Subscribe("test", eventbus.KindTelemetry)
	client := &fakeMQTT{}
	a := newTestBambu(bus, client)
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	client.deliver(`{"print":{"gcode_state":"RUNNING","mc_percent":10,"mc_remaining_time":30,"gcode_file":"/sdcard/cube.gcode","nozzle_temper":219.5,"nozzle_target_temper":220}}`)
	tel := nextTelemetry(t, sub)
	if tel.Lifecycle != eventbus.LifecycleProgress {
		t.Fatalf("first observation must not report a start, got %q", tel.Lifecycle)
	}
	if tel.FileName != "cube.gcode" || *tel.RemainingSeconds != 1800 || tel.Temperatures["nozzle"].Target != 220 {
		t.Fatalf("unexpected telemetry %+v", tel)
	}

	client.deliver(`{"print":{"mc_percent":55}}`)
	tel = nextTelemetry(t, sub)
	if *tel.Progress != 55 || tel.StateText != "RUNNING" || tel.FileName != "cube.gcode" {
		t.Fatalf("partial report should merge into known state, got %+v", tel)
	}

	steps := []struct {
		report string
		want   eventbus.Lifecycle
	}{
		{`{"print":{"gcode_state":"PAUSE"}}`, eventbus.LifecyclePaused},
		{`{"print":{"gcode_state":"RUNNING"}}`, eventbus.LifecycleResumed},
		{`{"print":{"gcode_state":"FINISH","mc_percent":100}}`, eventbus.LifecycleCompleted},
		{`{"print":{"gcode_state":"PREPARE","gcode_file":"/sdcard/next.gcode"}}`, eventbus.LifecycleStarted},
		{`{"print":{"gcode_state":"FAILED","print_error":50348044}}`, eventbus.LifecycleCancelled},
		{`{"print":{"gcode_state":"RUNNING","print_error":0}}`, eventbus.LifecycleStarted},
		{`{"print":{"gcode_state":"FAILED","print_error":117473284}}`, eventbus.LifecycleFailed},
	}
	for _, step := range steps {
		client.deliver(step.report)
		tel = nextTelemetry(t, sub)
		if tel.Lifecycle != step.want {
			t.Fatalf("report %s: expected %q, got %q", step.report, step.want, tel.Lifecycle)
		}
	}
	if !strings.Contains(tel.FailureReason, "117473284") {
		t.Fatalf("expected failure reason with error code, got %q", tel.FailureReason)
	}

	client.deliver(`{"info":{"command":"get_version"}}`)
	select {
	case evt := <-sub.C():
		t.Fatalf("report without print object should not emit telemetry, got %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBambuCommandsCarryIncreasingSequence(t *testing.T) {
	client := &fakeMQTT{}
	a := newTestBambu(nil, client)
	defer a.Disconnect()
	ctx := context.Background()

	if err := a.StartPrint(ctx, PrintFile{Name: "plate.3mf"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated before connect, got %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := a.StartPrint(ctx, PrintFile{Name: "plate.3mf", Plate: 2}); err != nil {
		t.Fatalf("start print: %v", err)
	}
	doc := client.lastPublished()["print"]
	if doc["command"] != "project_file" || doc["param"] != "Metadata/plate_2.gcode" || doc["url"] != "ftp:///plate.3mf" {
		t.Fatalf("unexpected project command %v", doc)
	}
	if doc["sequence_id"] != "2" {
		t.Fatalf("expected sequence 2, got %v", doc["sequence_id"])
	}

	if err := a.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	doc = client.lastPublished()["print"]
	if doc["command"] != "pause" || doc["sequence_id"] != "3" {
		t.Fatalf("unexpected pause command %v", doc)
	}

	if err := a.StartPrint(ctx, PrintFile{Name: "cube.gcode"}); err != nil {
		t.Fatalf("start gcode: %v", err)
	}
	doc = client.lastPublished()["print"]
	if doc["command"] != "gcode_file" || doc["param"] != "/sdcard/cube.gcode" {
		t.Fatalf("unexpected gcode command %v", doc)
	}
}

func TestBambuUploadOverFTPS(t *testing.T) {
	client := &fakeMQTT{}
	a := newTestBambu(nil, client)
	defer a.Disconnect()
	fc := &fakeFTP{}
	a.dialFTP = func(addr string, _ ...ftp.DialOption) (ftpConn, error) {
		fc.addr = addr
		return fc, nil
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Upload(context.Background(), "plate.3mf", strings.NewReader("PK"), 2); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fc.addr != "10.0.0.9:990" || fc.user != "bblp" || fc.name != "plate.3mf" || fc.stored.String() != "PK" || !fc.quit {
		t.Fatalf("unexpected ftp session %+v", fc)
	}
}

func TestBambuDisconnectIsIdempotent(t *testing.T) {
	client := &fakeMQTT{}
	a := newTestBambu(nil, client)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if s := a.Snapshot().SocketState; s != SocketClosed {
		t.Fatalf("expected closed, got %s", s)
	}
	if client.disconnects != 1 {
		t.Fatalf("expected one client disconnect, got %d", client.disconnects)
	}
}

func TestBambuDisconnectDuringConnectLeavesSessionClosed(t *testing.T) {
	for _, phase := range []string{"connect", "subscribe"} {
		t.Run(phase, func(t *testing.T) {
			gate := make(chan struct{})
			client := &fakeMQTT{entered: make(chan string, 1)}
			if phase == "connect" {
				client.connectGate = gate
			} else {
				client.subscribeGate = gate
			}
			a := newTestBambu(nil, client)

			done := make(chan error, 1)
			go func() { done <- a.Connect(context.Background()) }()
			select {
			case got := <-client.entered:
				if got != phase {
					t.Fatalf("expected %s to be held, got %s", phase, got)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("%s never reached", phase)
			}

			if err := a.Disconnect(); err != nil {
				t.Fatalf("disconnect: %v", err)
			}
			close(gate)
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("connect: %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("connect did not return")
			}

			if s := a.Snapshot().SocketState; s != SocketClosed {
				t.Fatalf("expected closed after disconnect, got %s", s)
			}
			a.mu.Lock()
			kept := a.client
			a.mu.Unlock()
			if kept != nil {
				t.Fatalf("broker client kept after disconnect")
			}
			client.mu.Lock()
			disconnects, published := client.disconnects, len(client.published)
			client.mu.Unlock()
			if disconnects == 0 {
				t.Fatalf("broker client was never disconnected")
			}
			if published != 0 {
				t.Fatalf("commands published after disconnect: %d", published)
			}
			if a.ReconnectPending() {
				t.Fatalf("reconnect scheduled after disconnect")
			}
		})
	}
}
