// Package hub owns the session to the smart-home hub: the
// authenticated WebSocket connection, request/response correlation,
// event dispatch, the reconnect loop, and the REST fallback used when
// the session is down.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hearth/internal/httpkit"
)

const (
	// connectTimeout bounds the dial plus auth handshake.
	connectTimeout = 10 * time.Second

	// defaultCallTimeout bounds the wait for a result frame per call.
	defaultCallTimeout = 10 * time.Second

	// initialBackoff is the delay before the first reconnect attempt.
	initialBackoff = 1 * time.Second

	// maxBackoff caps the exponential reconnect delay.
	maxBackoff = 16 * time.Second

	// maxReconnectAttempts is the attempt ceiling before cooling down.
	maxReconnectAttempts = 5

	// reconnectCooldown is the pause after the attempt ceiling is hit.
	reconnectCooldown = 60 * time.Second

	// connectedPollInterval is the backstop drop check while connected.
	// The listener's exit is the authoritative drop signal.
	connectedPollInterval = 5 * time.Second
)

// ConnectionStatus is a read-only snapshot of the session state,
// suitable for JSON serialization in status surfaces.
type ConnectionStatus struct {
	Connected            bool      `json:"connected"`
	LastError            string    `json:"last_error,omitempty"`
	ReconnectAttempts    int       `json:"reconnect_attempts"`
	MaxReconnectAttempts int       `json:"max_reconnect_attempts"`
	LastConnectionTime   time.Time `json:"last_connection_time,omitzero"`
}

// frame is the hub's generic wire message.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type callServiceFrame struct {
	ID          int64       `json:"id"`
	Type        string      `json:"type"`
	Domain      string      `json:"domain"`
	Service     string      `json:"service"`
	Target      *Target     `json:"target,omitempty"`
	ServiceData ServiceData `json:"service_data,omitempty"`
}

type subscribeFrame struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// Client manages the single persistent session to the hub. One
// background listener reads frames sequentially; any number of callers
// may invoke CallService concurrently, each correlated independently
// by message id.
type Client struct {
	baseURL    string
	token      string
	tenant     string
	logger     *slog.Logger
	httpClient *http.Client

	msgID      atomic.Int64
	broker     *broker
	dispatcher *dispatcher
	expander   TargetExpander

	// callTimeout is the per-call result wait; sleep is the reconnect
	// loop's interruptible wait. Both are swapped out in tests.
	callTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) bool

	// writeMu serializes frame writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	// mu guards everything below.
	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	attempts    int
	backoff     time.Duration
	lastErr     string
	connectedAt time.Time
	subs        map[int64]EventHandler

	// desired holds the subscriptions to restore after a reconnect;
	// hub-side subscriptions do not survive a new session.
	desired []subscription
}

type subscription struct {
	eventType string
	handler   EventHandler
}

// NewClient creates a hub client. It does not connect; call Connect or
// start ReconnectLoop.
func NewClient(baseURL, token, tenant string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		tenant:  tenant,
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(defaultCallTimeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		broker:      newBroker(),
		dispatcher:  newDispatcher(dispatchWorkers, dispatchQueueSize, logger),
		callTimeout: defaultCallTimeout,
		sleep:       sleepCtx,
		backoff:     initialBackoff,
		subs:        make(map[int64]EventHandler),
	}
}

// SetTargetExpander wires the catalog-backed area/device → entity
// expansion into the REST fallback. Optional; without it the fallback
// submits area/device targets degraded, with a warning.
func (c *Client) SetTargetExpander(e TargetExpander) {
	c.expander = e
}

// wsURL converts the configured base URL to the WebSocket endpoint.
func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Connect opens the transport, performs the auth handshake, and starts
// the listener. It returns true on success and never returns an error:
// failures are recorded and surfaced through Status.
func (c *Client) Connect(ctx context.Context) bool {
	wsu, err := c.wsURL()
	if err != nil {
		c.recordConnectFailure(err)
		return false
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	c.logger.Info("connecting to hub", "url", wsu)

	dialer := websocket.Dialer{
		// Registry responses can be large; give the read side room.
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	conn, _, err := dialer.DialContext(dialCtx, wsu, nil)
	if err != nil {
		c.recordConnectFailure(fmt.Errorf("dial: %w", err))
		return false
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.recordConnectFailure(err)
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.backoff = initialBackoff
	c.lastErr = ""
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("hub session authenticated")

	go c.listen(conn)
	go c.restoreSubscriptions()
	return true
}

// restoreSubscriptions re-establishes every desired subscription on
// the fresh session. Hub-side subscriptions die with the old
// connection, so each reconnect starts from zero.
func (c *Client) restoreSubscriptions() {
	c.mu.Lock()
	desired := make([]subscription, len(c.desired))
	copy(desired, c.desired)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, sub := range desired {
		if _, err := c.subscribe(ctx, sub.eventType, sub.handler); err != nil {
			c.logger.Error("failed to restore subscription",
				"event_type", sub.eventType, "error", err)
		}
	}
}

// authenticate runs the auth_required → auth → auth_ok handshake. The
// handshake frames share the connect deadline.
func (c *Client) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(connectTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	var authReq frame
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp frame
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: %s", authResp.Message)
	default:
		return fmt.Errorf("unexpected auth response: %q", authResp.Type)
	}
}

func (c *Client) recordConnectFailure(err error) {
	c.logger.Error("hub connection failed", "error", err)
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// listen reads frames sequentially until the transport closes. Result
// frames resolve their waiter exactly once; event frames are handed to
// the bounded dispatcher so a slow handler cannot stall the loop;
// malformed frames are logged and skipped.
func (c *Client) listen(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("hub session closed")
			} else {
				c.logger.Error("hub session read error", "error", err)
			}
			c.markDisconnected(conn)
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Error("malformed frame, skipping", "error", err)
			continue
		}

		switch f.Type {
		case "result":
			if !c.broker.resolve(f.ID, &f) {
				c.logger.Debug("result frame with no waiter", "id", f.ID)
			}

		case "event":
			c.mu.Lock()
			handler, ok := c.subs[f.ID]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("event frame with no subscription", "id", f.ID)
				continue
			}
			event := f.Event
			c.dispatcher.submit(func() {
				if err := handler(event); err != nil {
					c.logger.Error("event handler error", "error", err)
				}
			})

		case "pong":
			// Keepalive, ignore.

		default:
			c.logger.Debug("unhandled frame type", "type", f.Type)
		}
	}
}

// markDisconnected flips the connected flag if conn is still the live
// connection, and fails outstanding waiters. A stale listener from a
// previous connection must not clobber a newer session's state.
func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	// Event frame ids from the dead session are meaningless now.
	c.subs = make(map[int64]EventHandler)
	c.mu.Unlock()

	c.broker.teardown()
}

// Connected reports whether the session is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Status returns a read-only snapshot of the connection state.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{
		Connected:            c.connected,
		LastError:            c.lastErr,
		ReconnectAttempts:    c.attempts,
		MaxReconnectAttempts: maxReconnectAttempts,
		LastConnectionTime:   c.connectedAt,
	}
}

// Disconnect closes the transport and clears the session state,
// subscriptions included. Outstanding CallService waiters receive a
// connection-closed result immediately.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.subs = make(map[int64]EventHandler)
	c.mu.Unlock()

	c.broker.teardown()
}

// Close releases the client: disconnects and drains the event workers.
func (c *Client) Close() {
	c.Disconnect()
	c.dispatcher.close()
}

// nextID allocates the next message id. Ids are unique per client
// lifetime, which trivially satisfies per-connection uniqueness.
func (c *Client) nextID() int64 {
	return c.msgID.Add(1)
}

// liveConn returns the current connection when the session is up.
func (c *Client) liveConn() (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return nil, false
	}
	return c.conn, true
}

// writeFrame sends one frame, serialized against concurrent writers.
func (c *Client) writeFrame(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// CallService invokes a hub service. Connected: the call goes over the
// session with a 10s result wait. Not connected, or any transport
// error while sending or waiting: the call transparently retries over
// the REST fallback — callers never see the distinction beyond the
// Fallback flag on the result.
func (c *Client) CallService(ctx context.Context, domain, service string, target *Target, data ServiceData) ServiceResult {
	if err := data.Validate(); err != nil {
		return ServiceResult{Success: false, Error: err.Error()}
	}

	conn, ok := c.liveConn()
	if !ok {
		c.logger.Warn("session down, using REST fallback",
			"domain", domain, "service", service)
		return c.callServiceREST(ctx, domain, service, target, data)
	}

	id := c.nextID()
	waiter := c.broker.register(id)
	defer c.broker.cancel(id)

	req := callServiceFrame{
		ID:      id,
		Type:    "call_service",
		Domain:  domain,
		Service: service,
	}
	if !target.IsZero() {
		req.Target = target
	}
	if len(data) > 0 {
		req.ServiceData = data
	}

	if err := c.writeFrame(conn, req); err != nil {
		c.logger.Error("send call_service failed, using REST fallback",
			"domain", domain, "service", service, "error", err)
		return c.callServiceREST(ctx, domain, service, target, data)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if res.err != nil {
			// Connection torn down mid-call; the REST path still works.
			c.logger.Warn("session lost mid-call, using REST fallback",
				"domain", domain, "service", service)
			return c.callServiceREST(ctx, domain, service, target, data)
		}
		out := ServiceResult{Success: res.frame.Success, Result: res.frame.Result}
		if !res.frame.Success {
			if res.frame.Error != nil {
				out.Error = fmt.Sprintf("%s: %s", res.frame.Error.Code, res.frame.Error.Message)
			} else {
				out.Error = "service call failed"
			}
			c.logger.Error("service call failed",
				"domain", domain, "service", service, "error", out.Error)
		}
		return out

	case <-timer.C:
		c.logger.Error("service call timeout", "domain", domain, "service", service)
		return ServiceResult{Success: false, Error: "timeout"}

	case <-ctx.Done():
		return ServiceResult{Success: false, Error: ctx.Err().Error()}
	}
}

// Subscribe registers a handler for a hub event type. The returned id
// identifies the subscription in event frames. Handlers run on the
// bounded dispatcher pool. The subscription is recorded as desired
// before any wire traffic, so even when the session is down and an
// error is returned, it is established on the next successful connect.
func (c *Client) Subscribe(ctx context.Context, eventType string, handler EventHandler) (int64, error) {
	c.mu.Lock()
	c.desired = append(c.desired, subscription{eventType: eventType, handler: handler})
	c.mu.Unlock()

	return c.subscribe(ctx, eventType, handler)
}

func (c *Client) subscribe(ctx context.Context, eventType string, handler EventHandler) (int64, error) {
	conn, ok := c.liveConn()
	if !ok {
		return 0, fmt.Errorf("subscribe %s: not connected", eventType)
	}

	id := c.nextID()

	// Register the handler before the frame goes out: the hub may start
	// streaming events the moment it acks the subscription.
	c.mu.Lock()
	c.subs[id] = handler
	c.mu.Unlock()

	fail := func(err error) (int64, error) {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return 0, err
	}

	waiter := c.broker.register(id)
	defer c.broker.cancel(id)

	if err := c.writeFrame(conn, subscribeFrame{
		ID:        id,
		Type:      "subscribe_events",
		EventType: eventType,
	}); err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", eventType, err))
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if res.err != nil {
			return fail(fmt.Errorf("subscribe %s: %w", eventType, res.err))
		}
		if !res.frame.Success {
			if res.frame.Error != nil {
				return fail(fmt.Errorf("subscribe %s: %s: %s", eventType, res.frame.Error.Code, res.frame.Error.Message))
			}
			return fail(fmt.Errorf("subscribe %s: request failed", eventType))
		}
	case <-timer.C:
		return fail(fmt.Errorf("subscribe %s: timeout", eventType))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	c.logger.Info("subscribed to events", "event_type", eventType, "id", id)
	return id, nil
}

// ReconnectLoop drives the session for the lifetime of the process.
// While disconnected it retries with exponential backoff (1s, 2s, 4s,
// 8s, 16s); after the attempt ceiling it cools down for a minute and
// starts the schedule over. While connected it polls as a drop
// backstop — the listener's exit is the authoritative signal.
func (c *Client) ReconnectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if c.Connected() {
			if !c.sleep(ctx, connectedPollInterval) {
				return
			}
			continue
		}

		c.mu.Lock()
		attempts := c.attempts
		delay := c.backoff
		c.mu.Unlock()

		if attempts >= maxReconnectAttempts {
			c.logger.Error("reconnect attempt ceiling reached, cooling down",
				"attempts", attempts, "cooldown", reconnectCooldown.String())
			if !c.sleep(ctx, reconnectCooldown) {
				return
			}
			c.mu.Lock()
			c.attempts = 0
			c.backoff = initialBackoff
			c.mu.Unlock()
			continue
		}

		if !c.sleep(ctx, delay) {
			return
		}

		c.logger.Info("reconnect attempt",
			"attempt", attempts+1, "max", maxReconnectAttempts)

		if c.Connect(ctx) {
			c.logger.Info("hub session reconnected")
			continue
		}

		c.mu.Lock()
		c.attempts++
		c.backoff = nextBackoff(c.attempts)
		c.mu.Unlock()
	}
}

// nextBackoff returns the delay before the given zero-based attempt:
// exponential from initialBackoff, capped at maxBackoff.
func nextBackoff(attempts int) time.Duration {
	d := initialBackoff << attempts
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
