package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaybot/internal/domain"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultAckTimeout       = 20 * time.Second
	defaultPairTimeout      = 30 * time.Second
	inboundBuffer           = 64
)

type DeviceLinkedConfig struct {
	Enabled         bool
	BridgeURL       string
	SessionFile     string
	PairingAttempts int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	AckTimeout      time.Duration
	PairTimeout     time.Duration
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
}

// DeviceLinked holds a long-lived session to a link bridge. A transient socket
// loss is repaired by reconnecting with capped backoff; a logged-out session
// clears the persisted session material and waits for re-pairing.
type DeviceLinked struct {
	cfg    DeviceLinkedConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inbound  chan domain.InboundMessage

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	gen          int
	closed       bool
	reconnecting bool
	loggedOut    bool
	self         string
	qr           string
	state        domain.ProviderState
	pending      map[string]chan frame
	pairWaiter   chan pairResult
}

type pairResult struct {
	code string
	err  error
}

func NewDeviceLinked(cfg DeviceLinkedConfig) *DeviceLinked {
	if cfg.PairingAttempts <= 0 {
		cfg.PairingAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = defaultPairTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &DeviceLinked{
		cfg:      cfg,
		logger:   cfg.Logger.With("transport", domain.TransportDeviceLinked),
		dialer:   dialer,
		lifetime: lifetime,
		cancel:   cancel,
		inbound:  make(chan domain.InboundMessage, inboundBuffer),
		pending:  make(map[string]chan frame),
	}
}

func (d *DeviceLinked) Transport() domain.Transport { return domain.TransportDeviceLinked }

func (d *DeviceLinked) Enabled() bool { return d.cfg.Enabled }

// Inbound returns received messages. It is closed by Close.
func (d *DeviceLinked) Inbound() <-chan domain.InboundMessage { return d.inbound }

func (d *DeviceLinked) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Enabled && d.state.Connected
}

// LoggedOut reports whether the session was revoked and needs re-pairing.
func (d *DeviceLinked) LoggedOut() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loggedOut
}

// PairingQR returns the last QR payload offered by the bridge.
func (d *DeviceLinked) PairingQR() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.qr
}

func (d *DeviceLinked) State() domain.ProviderState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state
	st.Transport = domain.TransportDeviceLinked
	st.Enabled = d.cfg.Enabled
	st.LoggedOut = d.loggedOut
	st.HasCredentials = d.hasSession()
	st.Connected = d.cfg.Enabled && d.state.Connected
	return st
}

// Initialize dials the bridge and performs the hello handshake.
func (d *DeviceLinked) Initialize(ctx context.Context) (domain.InitResult, error) {
	if !d.cfg.Enabled {
		return domain.InitResult{}, nil
	}
	res, err := d.connect(ctx)
	if err != nil {
		d.recordError(err)
		d.scheduleReconnect()
		return res, &domain.TransportError{Transport: domain.TransportDeviceLinked, Op: "initialize", Err: err}
	}
	return res, nil
}

// connect dials, says hello with any persisted session, and reads the first
// bridge frame. On return the read loop owns the connection.
func (d *DeviceLinked) connect(ctx context.Context) (domain.InitResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.InitResult{}, errors.New("adapter closed")
	}
	d.mu.Unlock()

	conn, _, err := d.dialer.DialContext(ctx, d.cfg.BridgeURL, nil)
	if err != nil {
		return domain.InitResult{}, fmt.Errorf("dial bridge: %w", err)
	}

	hello := frame{Type: frameHello, Session: d.loadSession()}
	if err := d.writeConn(conn, hello); err != nil {
		conn.Close()
		return domain.InitResult{}, fmt.Errorf("hello: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(defaultHandshakeTimeout))
	}
	var first frame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return domain.InitResult{}, fmt.Errorf("handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var res domain.InitResult
	switch first.Type {
	case frameReady:
		res.Success = true
	case framePairingRequired:
		res.RequiresPairing = true
		res.PairingQR = first.QR
	case frameLoggedOut:
		d.clearSession()
		res.RequiresPairing = true
	default:
		conn.Close()
		return domain.InitResult{}, fmt.Errorf("unexpected handshake frame %q", first.Type)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close()
		return domain.InitResult{}, errors.New("adapter closed")
	}
	if d.conn != nil {
		d.conn.Close()
	}
	d.gen++
	gen := d.gen
	d.conn = conn
	d.wg.Add(1)
	d.mu.Unlock()

	d.handleFrame(first)
	go d.readLoop(conn, gen)

	d.logger.Info("bridge connected", "ready", res.Success, "requires_pairing", res.RequiresPairing)
	return res, nil
}

func (d *DeviceLinked) readLoop(conn *websocket.Conn, gen int) {
	defer d.wg.Done()
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			d.onReadError(conn, gen, err)
			return
		}
		d.handleFrame(f)
	}
}

func (d *DeviceLinked) handleFrame(f frame) {
	switch f.Type {
	case frameReady:
		if len(f.Session) > 0 {
			if err := d.saveSession(f.Session); err != nil {
				d.logger.Error("persist session failed", "err", err)
			}
		}
		d.mu.Lock()
		d.self = f.Self
		d.loggedOut = false
		d.qr = ""
		if !d.state.Connected {
			d.state.Connected = true
			d.state.ConnectedSince = time.Now()
		}
		d.mu.Unlock()
		d.logger.Info("device session ready", "self", f.Self)

	case framePairingRequired:
		d.mu.Lock()
		d.state.Connected = false
		d.qr = f.QR
		d.mu.Unlock()
		d.logger.Warn("device session requires pairing")

	case framePairCode:
		d.deliverPair(pairResult{code: f.Code})

	case frameLoggedOut:
		d.logger.Warn("device session logged out, clearing session material")
		d.clearSession()
		d.mu.Lock()
		d.loggedOut = true
		d.state.Connected = false
		d.state.LastError = domain.ErrLoggedOut.Error()
		d.state.LastErrorAt = time.Now()
		d.mu.Unlock()
		d.deliverPair(pairResult{err: domain.ErrLoggedOut})
		d.failPending(domain.ErrLoggedOut)

	case frameAck:
		d.mu.Lock()
		ch, ok := d.pending[f.Ref]
		delete(d.pending, f.Ref)
		d.mu.Unlock()
		if ok {
			ch <- f
		}

	case frameMessage:
		msg := domain.InboundMessage{
			ID:          f.ID,
			From:        f.From,
			Body:        f.Body,
			HasMedia:    len(f.Media) > 0,
			MediaRefs:   f.Media,
			ReceivedAt:  time.Now(),
			Transport:   domain.TransportDeviceLinked,
			ReplyToBody: f.QuotedBody,
		}
		if f.Timestamp > 0 {
			msg.ReceivedAt = time.Unix(f.Timestamp, 0)
		}
		select {
		case d.inbound <- msg:
		case <-d.lifetime.Done():
		}

	default:
		d.logger.Debug("ignoring bridge frame", "type", f.Type)
	}
}

func (d *DeviceLinked) onReadError(conn *websocket.Conn, gen int, err error) {
	conn.Close()

	d.mu.Lock()
	current := gen == d.gen && !d.closed
	if current {
		d.conn = nil
		d.state.Connected = false
		d.state.LastError = err.Error()
		d.state.LastErrorAt = time.Now()
	}
	loggedOut := d.loggedOut
	d.mu.Unlock()

	if !current {
		return
	}
	d.deliverPair(pairResult{err: fmt.Errorf("socket closed: %w", err)})
	d.failPending(fmt.Errorf("socket closed: %w", err))
	if loggedOut {
		return
	}
	d.logger.Warn("bridge connection lost", "err", err)
	d.scheduleReconnect()
}

// scheduleReconnect starts a single supervisor that redials with capped
// exponential backoff until connected, logged out, or closed.
func (d *DeviceLinked) scheduleReconnect() {
	d.mu.Lock()
	if d.reconnecting || d.closed || d.loggedOut {
		d.mu.Unlock()
		return
	}
	d.reconnecting = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			d.reconnecting = false
			d.mu.Unlock()
		}()

		backoff := d.cfg.BaseBackoff
		for attempt := 1; ; attempt++ {
			select {
			case <-d.lifetime.Done():
				return
			case <-time.After(backoff):
			}

			d.mu.Lock()
			done := d.conn != nil || d.closed || d.loggedOut
			d.mu.Unlock()
			if done {
				return
			}

			ctx, cancel := context.WithTimeout(d.lifetime, defaultHandshakeTimeout)
			_, err := d.connect(ctx)
			cancel()
			if err == nil {
				d.mu.Lock()
				d.state.Reconnects++
				d.mu.Unlock()
				return
			}
			d.recordError(err)
			d.logger.Warn("bridge reconnect failed", "attempt", attempt, "err", err, "next_backoff", min(backoff*2, d.cfg.MaxBackoff))
			backoff = min(backoff*2, d.cfg.MaxBackoff)
		}
	}()
}

func (d *DeviceLinked) SendMessage(ctx context.Context, to, body string) (domain.SendResult, error) {
	return d.send(ctx, to, body, "")
}

func (d *DeviceLinked) SendMediaMessage(ctx context.Context, to, body, mediaURL string) (domain.SendResult, error) {
	return d.send(ctx, to, body, mediaURL)
}

func (d *DeviceLinked) send(ctx context.Context, to, body, mediaURL string) (domain.SendResult, error) {
	wrap := func(err error) error {
		return &domain.TransportError{Transport: domain.TransportDeviceLinked, Op: "send", Err: err}
	}
	if err := d.sendable(); err != nil {
		return domain.SendResult{}, wrap(err)
	}

	ref := uuid.NewString()
	ackCh := make(chan frame, 1)
	d.mu.Lock()
	d.pending[ref] = ackCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, ref)
		d.mu.Unlock()
	}()

	if err := d.write(frame{Type: frameSend, Ref: ref, To: to, Body: body, MediaURL: mediaURL}); err != nil {
		d.recordError(err)
		return domain.SendResult{}, wrap(err)
	}

	timer := time.NewTimer(d.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			err := errors.New(ack.Error)
			d.recordError(err)
			return domain.SendResult{}, wrap(err)
		}
		return domain.SendResult{MessageID: ack.ID, Transport: domain.TransportDeviceLinked}, nil
	case <-timer.C:
		err := fmt.Errorf("no ack after %s", d.cfg.AckTimeout)
		d.recordError(err)
		return domain.SendResult{}, wrap(err)
	case <-ctx.Done():
		return domain.SendResult{}, wrap(ctx.Err())
	}
}

func (d *DeviceLinked) sendable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !d.cfg.Enabled:
		return errors.New("disabled")
	case d.loggedOut:
		return domain.ErrLoggedOut
	case d.conn == nil || !d.state.Connected:
		return domain.ErrNotReady
	}
	return nil
}

// SendTypingIndicator asks the bridge to show "typing" for d.
func (d *DeviceLinked) SendTypingIndicator(ctx context.Context, to string, dur time.Duration) error {
	if err := d.sendable(); err != nil {
		return &domain.TransportError{Transport: domain.TransportDeviceLinked, Op: "typing", Err: err}
	}
	if err := d.write(frame{Type: frameTyping, To: to, DurationMs: dur.Milliseconds()}); err != nil {
		return &domain.TransportError{Transport: domain.TransportDeviceLinked, Op: "typing", Err: err}
	}
	return nil
}

// RequestPairingCode asks the bridge for a numeric linking code for phone.
// Each failed attempt resets the session when the bridge reports a logout
// and restarts the socket otherwise, with capped backoff between attempts.
func (d *DeviceLinked) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if !d.cfg.Enabled {
		return "", fmt.Errorf("device-linked transport disabled")
	}
	backoff := d.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.PairingAttempts; attempt++ {
		code, err := d.requestPairingCodeOnce(ctx, phone)
		if err == nil {
			d.logger.Info("pairing code issued", "attempt", attempt)
			return code, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if errors.Is(err, domain.ErrLoggedOut) {
			d.logger.Warn("pairing attempt hit logged-out session, resetting", "attempt", attempt)
			d.resetSession()
		} else {
			d.logger.Warn("pairing attempt failed, restarting socket", "attempt", attempt, "err", err)
			d.dropConn()
		}

		if attempt == d.cfg.PairingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, d.cfg.MaxBackoff)
	}
	return "", fmt.Errorf("%w after %d attempts: %v", domain.ErrPairingFailed, d.cfg.PairingAttempts, lastErr)
}

func (d *DeviceLinked) requestPairingCodeOnce(ctx context.Context, phone string) (string, error) {
	d.mu.Lock()
	hasConn := d.conn != nil
	d.mu.Unlock()
	if !hasConn {
		if _, err := d.connect(ctx); err != nil {
			return "", err
		}
	}

	waiter := make(chan pairResult, 1)
	d.mu.Lock()
	d.pairWaiter = waiter
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.pairWaiter == waiter {
			d.pairWaiter = nil
		}
		d.mu.Unlock()
	}()

	if err := d.write(frame{Type: framePairCode, Phone: phone}); err != nil {
		return "", err
	}

	timer := time.NewTimer(d.cfg.PairTimeout)
	defer timer.Stop()
	select {
	case res := <-waiter:
		if res.err != nil {
			return "", res.err
		}
		if res.code == "" {
			return "", errors.New("bridge returned empty pairing code")
		}
		return res.code, nil
	case <-timer.C:
		return "", fmt.Errorf("no pairing code after %s", d.cfg.PairTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *DeviceLinked) deliverPair(res pairResult) {
	d.mu.Lock()
	w := d.pairWaiter
	d.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w <- res:
	default:
	}
}

func (d *DeviceLinked) failPending(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]chan frame)
	d.mu.Unlock()
	for ref, ch := range pending {
		ch <- frame{Type: frameAck, Ref: ref, Error: err.Error()}
	}
}

// resetSession drops the socket and the persisted session so the next
// connect starts a fresh link.
func (d *DeviceLinked) resetSession() {
	d.dropConn()
	d.clearSession()
	d.mu.Lock()
	d.loggedOut = false
	d.mu.Unlock()
}

// dropConn closes the current socket without triggering a reconnect.
func (d *DeviceLinked) dropConn() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.gen++
	d.state.Connected = false
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (d *DeviceLinked) write(f frame) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return domain.ErrNotReady
	}
	return d.writeConn(conn, f)
}

func (d *DeviceLinked) writeConn(conn *websocket.Conn, f frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

func (d *DeviceLinked) recordError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.LastError = err.Error()
	d.state.LastErrorAt = time.Now()
}

// Close stops reconnecting, closes the socket and then the inbound channel.
func (d *DeviceLinked) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn := d.conn
	d.conn = nil
	d.gen++
	d.state.Connected = false
	d.mu.Unlock()

	d.cancel()
	if conn != nil {
		conn.Close()
	}
	d.wg.Wait()
	close(d.inbound)
	return nil
}

// --- session material ---

func (d *DeviceLinked) hasSession() bool {
	if d.cfg.SessionFile == "" {
		return false
	}
	_, err := os.Stat(d.cfg.SessionFile)
	return err == nil
}

func (d *DeviceLinked) loadSession() json.RawMessage {
	if d.cfg.SessionFile == "" {
		return nil
	}
	data, err := os.ReadFile(d.cfg.SessionFile)
	if err != nil || !json.Valid(data) {
		return nil
	}
	return data
}

func (d *DeviceLinked) saveSession(session json.RawMessage) error {
	if d.cfg.SessionFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.cfg.SessionFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.SessionFile, session, 0o600)
}

func (d *DeviceLinked) clearSession() {
	if d.cfg.SessionFile == "" {
		return
	}
	if err := os.Remove(d.cfg.SessionFile); err != nil && !os.IsNotExist(err) {
		d.logger.Error("remove session file failed", "err", err)
	}
}
