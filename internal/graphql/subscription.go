package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"

	"gateway/internal/gateway/metrics"
	validate "gateway/internal/validator"
)

// Supported WebSocket subprotocols.
const (
	ProtocolTransportWS = "graphql-transport-ws"
	ProtocolLegacyWS    = "graphql-ws"
)

const (
	msgConnectionInit      = "connection_init"
	msgConnectionAck       = "connection_ack"
	msgConnectionTerminate = "connection_terminate"
	msgKeepAlive           = "ka"
	msgPing                = "ping"
	msgPong                = "pong"
	msgSubscribe           = "subscribe"
	msgStart               = "start"
	msgNext                = "next"
	msgData                = "data"
	msgError               = "error"
	msgComplete            = "complete"
	msgStop                = "stop"
)

// Close codes of graphql-transport-ws.
const (
	closeBadRequest        websocket.StatusCode = 4400
	closeUnauthorized      websocket.StatusCode = 4401
	closeInitTimeout       websocket.StatusCode = 4408
	closeSubscriberExists  websocket.StatusCode = 4409
	closeTooManyInitialise websocket.StatusCode = 4429
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionConfig holds the WebSocket transport settings.
type SubscriptionConfig struct {
	InitTimeout      time.Duration `env:"WS_INIT_TIMEOUT" envDefault:"10s"`
	KeepAlive        time.Duration `env:"WS_KEEPALIVE" envDefault:"15s"`
	WriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	SkipOriginVerify bool          `env:"WS_SKIP_ORIGIN_VERIFY" envDefault:"true"`
}

type connParamsKey struct{}

// WithConnectionParams attaches the connection_init payload to ctx.
func WithConnectionParams(ctx context.Context, params map[string]any) context.Context {
	return context.WithValue(ctx, connParamsKey{}, params)
}

// ConnectionParams returns the connection_init payload of the WebSocket
// connection an operation arrived on, or nil.
func ConnectionParams(ctx context.Context) map[string]any {
	params, _ := ctx.Value(connParamsKey{}).(map[string]any)
	return params
}

// SubscriptionHandler serves operations over WebSocket. Closing a
// connection cancels every subscription it started.
type SubscriptionHandler struct {
	executor *Executor
	registry *metrics.Registry
	logger   *zap.Logger
	cfg      SubscriptionConfig
	accept   websocket.AcceptOptions

	mu     sync.Mutex
	conns  map[uint64]*wsConn
	nextID atomic.Uint64
}

// NewSubscriptionHandler creates the WebSocket handler.
func NewSubscriptionHandler(executor *Executor, registry *metrics.Registry, logger *zap.Logger, cfg SubscriptionConfig) (*SubscriptionHandler, error) {
	h := SubscriptionHandler{
		executor: executor,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		accept: websocket.AcceptOptions{
			Subprotocols:       []string{ProtocolTransportWS, ProtocolLegacyWS},
			InsecureSkipVerify: cfg.SkipOriginVerify,
		},
		conns: make(map[uint64]*wsConn),
	}

	if err := validate.Validate("subscription handler", h.executor, h.registry, h.logger); err != nil {
		return nil, fmt.Errorf("failed to validate subscription handler deps: %w", err)
	}
	h.logger = h.logger.Named("ws")

	if h.cfg.InitTimeout <= 0 {
		h.cfg.InitTimeout = 10 * time.Second
	}
	if h.cfg.WriteTimeout <= 0 {
		h.cfg.WriteTimeout = 5 * time.Second
	}

	return &h, nil
}

type wsConn struct {
	id       uint64
	conn     *websocket.Conn
	protocol string
	logger   *zap.Logger

	mu     sync.Mutex
	inited bool
	params map[string]any
	subs   map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (h *SubscriptionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	protocol := conn.Subprotocol()
	if protocol == "" {
		protocol = ProtocolTransportWS
	}

	c := &wsConn{
		id:       h.nextID.Add(1),
		conn:     conn,
		protocol: protocol,
		subs:     make(map[string]context.CancelFunc),
	}
	c.logger = h.logger.With(zap.Uint64("conn", c.id), zap.String("protocol", protocol))

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.registry.UpdateConnections(protocol, 1)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.wg.Wait()

		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		h.registry.UpdateConnections(protocol, -1)

		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.logger.Debug("connection closed")
	}()

	initTimer := time.AfterFunc(h.cfg.InitTimeout, func() {
		if !c.initialised() {
			_ = conn.Close(closeInitTimeout, "Connection initialisation timeout")
		}
	})
	defer initTimer.Stop()

	if h.cfg.KeepAlive > 0 {
		c.wg.Add(1)
		go h.keepAlive(ctx, c)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.Close(closeBadRequest, "Invalid message received")
			return
		}

		if !h.handle(ctx, c, &msg) {
			return
		}
	}
}

// handle processes one client message. It returns false when the
// connection must end.
func (h *SubscriptionHandler) handle(ctx context.Context, c *wsConn, msg *wsMessage) bool {
	switch msg.Type {
	case msgConnectionInit:
		var params map[string]any
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &params)
		}

		c.mu.Lock()
		already := c.inited
		c.inited = true
		c.params = params
		c.mu.Unlock()

		if already {
			_ = c.conn.Close(closeTooManyInitialise, "Too many initialisation requests")
			return false
		}
		h.send(c, &wsMessage{Type: msgConnectionAck})
		if c.protocol == ProtocolLegacyWS {
			h.send(c, &wsMessage{Type: msgKeepAlive})
		}

	case msgPing:
		h.send(c, &wsMessage{Type: msgPong, Payload: msg.Payload})

	case msgPong:

	case msgSubscribe, msgStart:
		if !c.initialised() {
			_ = c.conn.Close(closeUnauthorized, "Unauthorized")
			return false
		}
		return h.subscribe(ctx, c, msg)

	case msgComplete, msgStop:
		c.cancel(msg.ID)

	case msgConnectionTerminate:
		return false

	default:
		if c.protocol == ProtocolTransportWS {
			_ = c.conn.Close(closeBadRequest, fmt.Sprintf("Invalid message type %q", msg.Type))
			return false
		}
	}
	return true
}

func (h *SubscriptionHandler) subscribe(ctx context.Context, c *wsConn, msg *wsMessage) bool {
	if msg.ID == "" {
		_ = c.conn.Close(closeBadRequest, "Subscription id is required")
		return false
	}

	var req Request
	if err := decode(bytes.NewReader(msg.Payload), &req); err != nil {
		h.sendErrors(c, msg.ID, []*Error{newError("invalid subscribe payload", CodeParseFailed)})
		return true
	}

	subCtx, cancel := context.WithCancel(WithConnectionParams(ctx, c.connectionParams()))

	c.mu.Lock()
	if _, exists := c.subs[msg.ID]; exists {
		c.mu.Unlock()
		cancel()
		if c.protocol == ProtocolTransportWS {
			_ = c.conn.Close(closeSubscriberExists, fmt.Sprintf("Subscriber for %s already exists", msg.ID))
			return false
		}
		h.sendErrors(c, msg.ID, []*Error{newError("subscription id already in use", CodeValidationFailed)})
		return true
	}
	c.subs[msg.ID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go h.run(subCtx, c, msg.ID, &req)
	return true
}

// run executes one operation for the connection and streams its results.
func (h *SubscriptionHandler) run(ctx context.Context, c *wsConn, id string, req *Request) {
	defer c.wg.Done()
	// complete is sent only when the server ends a running operation
	terminated := false
	defer func() {
		if c.release(id) && !terminated && ctx.Err() == nil {
			h.send(c, &wsMessage{ID: id, Type: msgComplete})
		}
	}()

	op, resp := h.executor.Prepare(req)
	if resp != nil {
		h.registry.RecordRequest("websocket", "unknown", true)
		h.sendErrors(c, id, resp.Errors)
		terminated = true
		return
	}

	if op.Type != ast.Subscription {
		resp := h.executor.Execute(ctx, op)
		h.registry.RecordRequest("websocket", string(op.Type), resp.HasErrors())
		h.sendNext(c, id, resp)
		return
	}

	stream, resp := h.executor.Subscribe(ctx, op)
	if resp != nil {
		h.registry.RecordRequest("websocket", string(op.Type), true)
		h.sendErrors(c, id, resp.Errors)
		terminated = true
		return
	}
	defer stream.Close()
	h.registry.RecordRequest("websocket", string(op.Type), false)
	c.logger.Debug("subscription started", zap.String("id", id), zap.String("handle", stream.ID()))

	for {
		resp, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug("subscription ended", zap.String("id", id), zap.Error(err))
			}
			return
		}
		h.sendNext(c, id, resp)
	}
}

func (h *SubscriptionHandler) keepAlive(ctx context.Context, c *wsConn) {
	defer c.wg.Done()

	ticker := time.NewTicker(h.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.initialised() {
				continue
			}
			if c.protocol == ProtocolLegacyWS {
				h.send(c, &wsMessage{Type: msgKeepAlive})
			} else {
				h.send(c, &wsMessage{Type: msgPing})
			}
		}
	}
}

func (h *SubscriptionHandler) sendNext(c *wsConn, id string, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to encode result", zap.String("id", id), zap.Error(err))
		return
	}
	typ := msgNext
	if c.protocol == ProtocolLegacyWS {
		typ = msgData
	}
	h.send(c, &wsMessage{ID: id, Type: typ, Payload: payload})
}

// sendErrors reports an operation that failed before producing results.
// It terminates the operation on both protocols.
func (h *SubscriptionHandler) sendErrors(c *wsConn, id string, errs []*Error) {
	var v any = errs
	if c.protocol == ProtocolLegacyWS && len(errs) > 0 {
		v = errs[0]
	}
	payload, _ := json.Marshal(v)
	h.send(c, &wsMessage{ID: id, Type: msgError, Payload: payload})
}

func (h *SubscriptionHandler) send(c *wsConn, msg *wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

// ConnectionCount returns the number of open connections.
func (h *SubscriptionHandler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SubscriptionCount returns the number of running operations across all
// connections.
func (h *SubscriptionHandler) SubscriptionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, c := range h.conns {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

// CloseAll closes every open connection with reason, e.g. on shutdown.
func (h *SubscriptionHandler) CloseAll(reason string) {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, reason)
	}
}

func (c *wsConn) initialised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inited
}

func (c *wsConn) connectionParams() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// cancel stops the operation id at the client's request.
func (c *wsConn) cancel(id string) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

// release drops id from the running set, reporting whether it was still
// registered.
func (c *wsConn) release(id string) bool {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}
