package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/orrn/printfleet/internal/eventbus"
	"github.com/orrn/printfleet/internal/logging"
)

const (
	octoLoginPath   = "/api/login"
	octoSocketPath  = "/sockjs/websocket"
	octoThrottle    = 2
	octoGlobalKeyID = "_api"
)

// OctoPrintAdapter speaks to controllers that require a REST login followed
// by an authenticated push socket. Commands go over REST.
type OctoPrintAdapter struct {
	opts      Options
	baseURL   string
	logger    hclog.Logger
	sess      *session
	client    *http.Client
	uploader  *http.Client
	hb        *Heartbeat
	reconnect *Reconnector

	connecting atomic.Bool

	mu            sync.Mutex
	conn          *websocket.Conn
	authed        chan struct{}
	authDone      bool
	userName      string
	token         string
	cancelConnect context.CancelFunc

	writeMu sync.Mutex
}

type octoLoginResponse struct {
	Name    string   `json:"name"`
	Session string   `json:"session"`
	Groups  []string `json:"groups"`
	Admin   bool     `json:"admin"`
}

func NewOctoPrint(opts Options, bus *eventbus.Bus, logger hclog.Logger) *OctoPrintAdapter {
	opts = opts.withDefaults()
	logger = logging.OrNull(logger).Named("octoprint").With("printer_id", opts.PrinterID)

	a := &OctoPrintAdapter{
		opts:     opts,
		baseURL:  httpBase(opts.Endpoint),
		logger:   logger,
		sess:     newSession(opts.PrinterID, bus, logger),
		client:   opts.HTTPClient,
		uploader: &http.Client{Transport: opts.HTTPClient.Transport},
	}
	a.hb = NewHeartbeat(opts.HeartbeatInterval, opts.PongTimeout, a.ping, a.onPongTimeout, logger)
	a.reconnect = NewReconnector(opts.ReconnectInterval, a.reconnectAttempt, a.sess.shouldReconnect, logger)
	a.sess.reconnect = a.reconnect
	return a
}

func httpBase(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return strings.TrimRight(endpoint, "/")
}

func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + octoSocketPath
	return u.String(), nil
}

func (a *OctoPrintAdapter) PrinterID() string { return a.opts.PrinterID }

func (a *OctoPrintAdapter) Snapshot() Snapshot { return a.sess.snapshot() }

func (a *OctoPrintAdapter) ReconnectPending() bool { return a.reconnect.Pending() }

func (a *OctoPrintAdapter) Reconfigure(creds Credentials) {
	a.mu.Lock()
	a.opts.Username = creds.Username
	a.opts.Password = creds.Password
	a.opts.APIKey = creds.APIKey
	a.mu.Unlock()
	a.sess.clearAbort()
}

func (a *OctoPrintAdapter) apiKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts.APIKey
}

func (a *OctoPrintAdapter) Connect(ctx context.Context) error {
	if a.sess.aborted() {
		return ErrAborted
	}
	if a.sess.authenticated() {
		return nil
	}
	a.sess.setOperatorClosed(false)
	return a.connect(ctx)
}

func (a *OctoPrintAdapter) reconnectAttempt() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*a.opts.ConnectionTimeout)
	defer cancel()
	_ = a.connect(ctx)
}

func (a *OctoPrintAdapter) connect(ctx context.Context) error {
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

	if !a.login(ctx) {
		if a.sess.aborted() {
			return ErrAborted
		}
		return nil
	}
	if a.sess.isOperatorClosed() {
		return nil
	}

	conn, err := a.dial(ctx)
	if err != nil {
		a.sess.fail(fmt.Sprintf("dial: %v", err), "")
		return nil
	}

	authed := make(chan struct{})
	a.mu.Lock()
	if a.sess.isOperatorClosed() {
		a.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	a.conn = conn
	a.authed = authed
	a.authDone = false
	a.mu.Unlock()

	conn.SetPongHandler(func(data string) error {
		a.sess.touch()
		seq, err := strconv.Atoi(data)
		if err != nil {
			a.logger.Warn("malformed pong", "payload", data)
			return nil
		}
		a.hb.Pong(seq)
		return nil
	})

	a.sess.transition(SocketOpened, "")
	a.sess.transition(SocketAuthenticating, "")
	go a.readLoop(conn)

	if err := a.sendAuth(conn); err != nil {
		a.sess.fail(fmt.Sprintf("send auth: %v", err), "")
		a.closeConn(conn)
		return nil
	}
	if err := a.writeJSON(conn, map[string]int{"throttle": octoThrottle}); err != nil {
		a.sess.fail(fmt.Sprintf("send throttle: %v", err), "")
		a.closeConn(conn)
		return nil
	}

	timer := time.NewTimer(a.opts.ConnectionTimeout)
	defer timer.Stop()
	var reason string
	select {
	case <-authed:
		return nil
	case <-timer.C:
		reason = "authentication handshake timed out"
	case <-ctx.Done():
		reason = fmt.Sprintf("handshake: %v", ctx.Err())
	}
	a.closeConn(conn)
	if !a.sess.isOperatorClosed() {
		a.sess.fail(reason, "")
	}
	return nil
}

// beginConnect registers the cancel func of an attempt so Disconnect can stop
// it. It refuses once the operator has closed the adapter.
func (a *OctoPrintAdapter) beginConnect(cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess.isOperatorClosed() {
		return false
	}
	a.cancelConnect = cancel
	return true
}

func (a *OctoPrintAdapter) endConnect() {
	a.mu.Lock()
	a.cancelConnect = nil
	a.mu.Unlock()
}

// login performs the passive login and records the session token. On any
// failure the session state already reflects the cause.
func (a *OctoPrintAdapter) login(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.opts.ConnectionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+octoLoginPath, strings.NewReader(`{"passive":true}`))
	if err != nil {
		a.sess.fail(fmt.Sprintf("login request: %v", err), APINoResponse)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", a.apiKey())

	resp, err := a.client.Do(req)
	if err != nil {
		if a.sess.isOperatorClosed() {
			return false
		}
		a.sess.fail(fmt.Sprintf("login: %v", err), APINoResponse)
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		a.logger.Error("login rejected, check api key")
		a.sess.transition(SocketAborted, APIAuthFail)
		return false
	case resp.StatusCode != http.StatusOK:
		a.sess.fail(fmt.Sprintf("login: unexpected status %d", resp.StatusCode), APINoResponse)
		return false
	}

	var user octoLoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		a.sess.fail(fmt.Sprintf("login: decode response: %v", err), APINoResponse)
		return false
	}
	if user.Name == octoGlobalKeyID {
		a.logger.Error("global api key detected, configure a user api key")
		a.sess.transition(SocketAborted, APIGlobalKeyDetected)
		return false
	}
	if guestOnly(user.Groups) {
		a.logger.Error("api key is bound to a guest user", "user", user.Name)
		a.sess.transition(SocketAborted, APIAuthFail)
		return false
	}

	a.mu.Lock()
	a.userName = user.Name
	a.token = user.Session
	a.mu.Unlock()
	a.sess.transition("", APIResponding)
	return true
}

func guestOnly(groups []string) bool {
	if len(groups) == 0 {
		return false
	}
	for _, g := range groups {
		if g != "guests" {
			return false
		}
	}
	return true
}

func (a *OctoPrintAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := socketURL(a.baseURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: a.opts.ConnectionTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (a *OctoPrintAdapter) sendAuth(conn *websocket.Conn) error {
	a.mu.Lock()
	frame := map[string]string{"auth": a.userName + ":" + a.token}
	a.mu.Unlock()
	return a.writeJSON(conn, frame)
}

func (a *OctoPrintAdapter) writeJSON(conn *websocket.Conn, v any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(a.opts.ConnectionTimeout))
	return conn.WriteJSON(v)
}

func (a *OctoPrintAdapter) currentConn() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *OctoPrintAdapter) ping(seq int) error {
	conn := a.currentConn()
	if conn == nil {
		return errors.New("no connection")
	}
	return conn.WriteControl(websocket.PingMessage, []byte(strconv.Itoa(seq)), time.Now().Add(a.opts.PongTimeout))
}

func (a *OctoPrintAdapter) onPongTimeout() {
	conn := a.currentConn()
	a.sess.fail("heartbeat pong timeout", "")
	if conn != nil {
		_ = conn.Close()
	}
}

func (a *OctoPrintAdapter) detach() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn := a.conn
	a.conn = nil
	return conn
}

func (a *OctoPrintAdapter) teardown() {
	a.hb.Stop()
	if conn := a.detach(); conn != nil {
		_ = conn.Close()
	}
}

func (a *OctoPrintAdapter) closeConn(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	a.hb.Stop()
	_ = conn.Close()
}

func (a *OctoPrintAdapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleReadError(conn, err)
			return
		}
		a.sess.touch()
		a.handleMessage(conn, data)
	}
}

func (a *OctoPrintAdapter) handleReadError(conn *websocket.Conn, err error) {
	a.mu.Lock()
	current := a.conn == conn
	if current {
		a.conn = nil
	}
	a.mu.Unlock()
	if !current || a.sess.isOperatorClosed() {
		return
	}
	a.hb.Stop()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		a.sess.apply(SocketClosed, "", "remote closed session")
		return
	}
	a.sess.fail(fmt.Sprintf("read: %v", err), "")
}

func (a *OctoPrintAdapter) handleMessage(conn *websocket.Conn, data []byte) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Debug("ignoring malformed message", "error", err)
		return
	}
	for kind, body := range msg {
		switch kind {
		case "current", "history":
			t, err := normalizeOctoCurrent(body)
			if err != nil {
				a.logger.Debug("ignoring malformed status", "error", err)
				continue
			}
			a.sess.emitTelemetry(t)
			a.markAuthenticated(conn)
		case "event":
			a.handleEvent(body)
		case "reauthRequired":
			go a.reauth(conn)
		}
	}
}

func (a *OctoPrintAdapter) markAuthenticated(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != conn || a.authDone {
		a.mu.Unlock()
		return
	}
	a.authDone = true
	close(a.authed)
	a.mu.Unlock()

	a.sess.transition(SocketAuthenticated, "")

	// Disconnect detaches the conn under mu before stopping the heartbeat.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return
	}
	if err := a.hb.Start(); err != nil {
		a.logger.Error("heartbeat start", "error", err)
	}
}

func (a *OctoPrintAdapter) handleEvent(body json.RawMessage) {
	var evt struct {
		Type    string `json:"type"`
		Payload struct {
			Name   string `json:"name"`
			Reason string `json:"reason"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &evt); err != nil {
		return
	}
	lc, ok := octoLifecycle(evt.Type)
	if !ok {
		return
	}

	var t eventbus.Telemetry
	if last := a.sess.snapshot().LastTelemetry; last != nil {
		t = *last
	}
	t.ReceivedAt = time.Time{}
	t.Lifecycle = lc
	if evt.Payload.Name != "" {
		t.FileName = evt.Payload.Name
	}
	switch lc {
	case eventbus.LifecycleStarted, eventbus.LifecycleResumed:
		t.Printing, t.Paused, t.Idle = true, false, false
	case eventbus.LifecyclePaused:
		t.Printing, t.Paused, t.Idle = false, true, false
	case eventbus.LifecycleFailed:
		t.FailureReason = evt.Payload.Reason
		if t.FailureReason == "" {
			t.FailureReason = "print failed"
		}
		t.Printing, t.Paused, t.Idle = false, false, true
	default:
		t.Printing, t.Paused, t.Idle = false, false, true
	}
	a.sess.emitTelemetry(t)
}

// reauth repeats the login and resends the auth frame on the open socket.
func (a *OctoPrintAdapter) reauth(conn *websocket.Conn) {
	a.sess.setReauth(true)
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ConnectionTimeout)
	defer cancel()

	if !a.login(ctx) {
		a.closeConn(conn)
		return
	}
	if err := a.sendAuth(conn); err != nil {
		a.sess.fail(fmt.Sprintf("send auth: %v", err), "")
		a.closeConn(conn)
		return
	}
	a.sess.setReauth(false)
	a.logger.Info("session re-authenticated")
}

func (a *OctoPrintAdapter) Disconnect() error {
	a.mu.Lock()
	a.sess.setOperatorClosed(true)
	cancel := a.cancelConnect
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.reconnect.Cancel()
	a.hb.Stop()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	switch sock, _ := a.sess.state(); sock {
	case SocketUnopened, SocketClosed, SocketAborted:
	default:
		a.sess.apply(SocketClosed, "", "closed by operator")
	}
	return nil
}

func (a *OctoPrintAdapter) StartPrint(ctx context.Context, file PrintFile) error {
	return a.command(ctx, "/api/files/local/"+url.PathEscape(file.Name), map[string]any{
		"command": "select",
		"print":   true,
	})
}

func (a *OctoPrintAdapter) Pause(ctx context.Context) error {
	return a.command(ctx, "/api/job", map[string]string{"command": "pause", "action": "pause"})
}

func (a *OctoPrintAdapter) Resume(ctx context.Context) error {
	return a.command(ctx, "/api/job", map[string]string{"command": "pause", "action": "resume"})
}

func (a *OctoPrintAdapter) Stop(ctx context.Context) error {
	return a.command(ctx, "/api/job", map[string]string{"command": "cancel"})
}

func (a *OctoPrintAdapter) SendRaw(ctx context.Context, payload []byte) error {
	var lines []string
	for _, l := range strings.Split(string(payload), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return a.command(ctx, "/api/printer/command", map[string][]string{"commands": lines})
}

func (a *OctoPrintAdapter) command(ctx context.Context, path string, payload any) error {
	if !a.sess.authenticated() {
		return ErrNotAuthenticated
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", a.apiKey())
	return a.do(a.client, req, path)
}

func (a *OctoPrintAdapter) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	if !a.sess.authenticated() {
		return ErrNotAuthenticated
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/files/local", pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("failed to build upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Api-Key", a.apiKey())
	a.logger.Debug("uploading file", "file", name, "size", size)
	return a.do(a.uploader, req, "upload "+name)
}

func (a *OctoPrintAdapter) do(client *http.Client, req *http.Request, what string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s returned %d", ErrCommandRejected, what, resp.StatusCode)
	}
	return nil
}
