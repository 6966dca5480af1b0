package graphql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"

	"gateway/internal/gateway/metrics"
	validate "gateway/internal/validator"
)

// MaxRequestBodySize bounds POST bodies.
const MaxRequestBodySize = 1 << 20

// Handler serves queries and mutations over HTTP. WebSocket upgrade
// requests are handed to the subscription handler when one is set.
type Handler struct {
	executor      *Executor
	subscriptions http.Handler
	registry      *metrics.Registry
	logger        *zap.Logger
}

// NewHandler creates the HTTP handler. subscriptions may be nil.
func NewHandler(executor *Executor, subscriptions http.Handler, registry *metrics.Registry, logger *zap.Logger) (*Handler, error) {
	h := Handler{
		executor:      executor,
		subscriptions: subscriptions,
		registry:      registry,
		logger:        logger,
	}

	if err := validate.Validate("graphql handler", h.executor, h.registry, h.logger); err != nil {
		return nil, fmt.Errorf("failed to validate graphql handler deps: %w", err)
	}
	h.logger = h.logger.Named("http")

	return &h, nil
}

// ServeHTTP handles GET and POST /graphql.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.subscriptions != nil && isWebSocketUpgrade(r) {
		h.subscriptions.ServeHTTP(w, r)
		return
	}

	var (
		req *Request
		err error
	)
	switch r.Method {
	case http.MethodGet:
		req, err = parseGet(r)
	case http.MethodPost:
		req, err = parsePost(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse(newError("method not allowed", CodeParseFailed)))
		return
	}
	if err != nil {
		h.registry.RecordRequest("http", "unknown", true)
		writeJSON(w, http.StatusBadRequest, errorResponse(newError(err.Error(), CodeParseFailed)))
		return
	}

	op, resp := h.executor.Prepare(req)
	if resp != nil {
		h.registry.RecordRequest("http", "unknown", true)
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	switch {
	case op.Type == ast.Mutation && r.Method == http.MethodGet:
		w.Header().Set("Allow", "POST")
		h.registry.RecordRequest("http", string(op.Type), true)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse(newError("mutations must use POST", CodeValidationFailed)))
		return
	case op.Type == ast.Subscription:
		h.registry.RecordRequest("http", string(op.Type), true)
		writeJSON(w, http.StatusBadRequest, errorResponse(newError("subscriptions require a websocket connection", CodeValidationFailed)))
		return
	}

	resp = h.executor.Execute(r.Context(), op)
	h.registry.RecordRequest("http", string(op.Type), resp.HasErrors())
	if resp.HasErrors() {
		h.logger.Debug("operation returned errors",
			zap.String("operation_type", string(op.Type)),
			zap.String("operation_name", op.Name),
			zap.Int("errors", len(resp.Errors)),
		)
	}

	writeJSON(w, http.StatusOK, resp)
}

func parseGet(r *http.Request) (*Request, error) {
	q := r.URL.Query()
	req := &Request{
		Query:         q.Get("query"),
		OperationName: q.Get("operationName"),
	}
	if raw := q.Get("variables"); raw != "" {
		if err := decode(strings.NewReader(raw), &req.Variables); err != nil {
			return nil, fmt.Errorf("invalid variables: %w", err)
		}
	}
	return req, nil
}

func parsePost(w http.ResponseWriter, r *http.Request) (*Request, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/graphql" {
		return &Request{Query: string(body)}, nil
	}

	var req Request
	if err := decode(bytes.NewReader(body), &req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return &req, nil
}

// decode keeps numbers as json.Number so Int and Float variables coerce
// without float rounding.
func decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
