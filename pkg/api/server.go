package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/planner"
	"github.com/fieldops-hq/fieldops/pkg/ratelimit"
	"github.com/fieldops-hq/fieldops/pkg/registry"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

// Server is the planner HTTP surface.
type Server struct {
	store    store.Store
	registry *registry.Registry
	planner  *planner.Planner
	logger   *slog.Logger
	env      func(string) string
}

// Options configures the server middleware stack.
type Options struct {
	JWTSecret string
	Limiter   ratelimit.Limiter
	Policy    ratelimit.Policy
	Logger    *slog.Logger
	// Env is the lookup used by /health to report integration readiness.
	// Nil falls back to the process environment.
	Env func(string) string
}

// NewServer builds the server and its routes.
func NewServer(st store.Store, reg *registry.Registry, pl *planner.Planner, opts Options) (*Server, http.Handler) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Env == nil {
		opts.Env = os.Getenv
	}
	s := &Server{
		store:    st,
		registry: reg,
		planner:  pl,
		logger:   opts.Logger.With("component", "api"),
		env:      opts.Env,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /calls", s.handleEnqueue)
	mux.HandleFunc("GET /calls/{id}", s.handleGetCall)
	mux.HandleFunc("GET /receipts", s.handleListReceipts)
	mux.HandleFunc("GET /receipts/{call_id}", s.handleGetReceipt)

	handler := Chain(mux,
		RequestID,
		Logging(opts.Logger),
		JWTAuth(opts.JWTSecret),
		RateLimit(opts.Limiter, opts.Policy),
	)
	return s, handler
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req planner.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.Message == "" {
		WriteBadRequest(w, r, "message is required")
		return
	}
	resp, err := s.planner.Run(r.Context(), &req)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "run failed", "error", err)
		WriteInternal(w, r, "run failed")
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.registry.All()
	WriteJSON(w, http.StatusOK, map[string]any{
		"version": s.registry.Version(),
		"tools":   tools,
		"count":   len(tools),
	})
}

// handleHealth reports liveness plus which external integrations have their
// environment configured. Missing integrations are informational, not errors.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	integrations := map[string][]string{
		"twilio": {"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER"},
		"redis":  {"REDIS_ADDR"},
		"s3":     {"ARCHIVE_S3_BUCKET"},
	}
	configured := map[string]bool{}
	var missing []string
	for name, keys := range integrations {
		ok := true
		for _, k := range keys {
			if s.env(k) == "" {
				ok = false
				missing = append(missing, k)
			}
		}
		configured[name] = ok
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"tools":       len(s.registry.All()),
		"configured":  configured,
		"missing_env": missing,
	})
}

type enqueueRequest struct {
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// handleEnqueue is the thin RPC wrapper over direct queue inserts. Input is
// validated up front so the queue never holds a call that cannot execute.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		WriteBadRequest(w, r, "tool_name is required")
		return
	}
	if _, err := s.registry.Get(req.ToolName); err != nil {
		WriteBadRequest(w, r, "unknown tool: "+req.ToolName)
		return
	}
	if err := s.registry.ValidateInput(req.ToolName, req.Input); err != nil {
		WriteBadRequest(w, r, "invalid input: "+err.Error())
		return
	}
	call := &contracts.Call{
		ID:             uuid.NewString(),
		ToolName:       req.ToolName,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		Status:         contracts.CallQueued,
	}
	if err := s.store.InsertCall(r.Context(), call); err != nil {
		s.logger.ErrorContext(r.Context(), "enqueue failed", "tool", req.ToolName, "error", err)
		WriteInternal(w, r, "enqueue failed")
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"call_id": call.ID,
		"status":  call.Status,
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	call, err := s.store.GetCall(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "call not found")
			return
		}
		WriteInternal(w, r, "call lookup failed")
		return
	}
	WriteJSON(w, http.StatusOK, call)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.store.ReceiptByCallID(r.Context(), r.PathValue("call_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "no receipt for call")
			return
		}
		WriteInternal(w, r, "receipt lookup failed")
		return
	}
	WriteJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecentFilter{
		ToolName: q.Get("tool"),
		Status:   contracts.CallStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteBadRequest(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	receipts, err := s.store.RecentReceipts(r.Context(), filter)
	if err != nil {
		WriteInternal(w, r, "receipt listing failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"receipts": receipts,
		"count":    len(receipts),
	})
}
