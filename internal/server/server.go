package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/example/go-mlp-head/internal/config"
	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/runtime/tensor"
)

// Model is the part of a head the HTTP layer needs. *head.MLP satisfies it.
type Model interface {
	Forward(batch *tensor.Tensor, mode nn.Mode) (*tensor.Tensor, error)
	Dims() []int
	Describe() []nn.LayerInfo
	NumParams() int
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxValues      int
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxValues:      1 << 22,
		workers:        2,
		requestTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxValues caps the number of input elements accepted by POST /forward.
func WithMaxValues(n int) Option {
	return func(o *options) { o.maxValues = n }
}

// WithWorkers sets the maximum number of concurrent forward passes.
// Zero or less disables throttling.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request forward deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	model Model
	opts  options
	sem   chan struct{}
	log   *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, GET /head and
// POST /forward. Forward passes always run in eval mode.
func NewHandler(model Model, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		model: model,
		opts:  opts,
		log:   opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/head", h.handleHead)
	mux.HandleFunc("/forward", h.handleForward)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

// HeadInfo is the body of GET /head.
type HeadInfo struct {
	Dims   []int          `json:"dims"`
	Layers []nn.LayerInfo `json:"layers"`
	Params int            `json:"params"`
}

func (h *handler) handleHead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, HeadInfo{
		Dims:   h.model.Dims(),
		Layers: h.model.Describe(),
		Params: h.model.NumParams(),
	})
}

// TensorPayload is a dense row-major tensor on the wire, used for both the
// POST /forward request and its response.
type TensorPayload struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

type forwardResult struct {
	out *tensor.Tensor
	err error
}

func (h *handler) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}

	var req TensorPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if len(req.Shape) == 0 {
		writeError(w, http.StatusBadRequest, "shape field is required")
		return
	}

	if len(req.Data) > h.opts.maxValues {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("input exceeds maximum of %d values", h.opts.maxValues))
		return
	}

	x, err := tensor.New(req.Data, req.Shape)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()

	// The slot is held until Forward returns, even after a timeout, so at
	// most workers forwards run at once.
	done := make(chan forwardResult, 1)
	go func() {
		if h.sem != nil {
			defer func() { <-h.sem }()
		}

		out, err := h.model.Forward(x, nn.Eval)
		done <- forwardResult{out: out, err: err}
	}()

	var res forwardResult
	select {
	case res = <-done:
	case <-ctx.Done():
		h.log.WarnContext(r.Context(), "forward timed out",
			slog.Any("shape", req.Shape),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("error", ctx.Err().Error()),
		)
		writeError(w, http.StatusGatewayTimeout, "forward timed out")
		return
	}

	durationMS := time.Since(start).Milliseconds()

	if res.err != nil {
		status := http.StatusInternalServerError
		if errors.Is(res.err, tensor.ErrShape) {
			status = http.StatusUnprocessableEntity
		}
		h.log.ErrorContext(r.Context(), "forward failed",
			slog.Any("shape", req.Shape),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", res.err.Error()),
		)
		writeError(w, status, res.err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "forward complete",
		slog.Any("shape", req.Shape),
		slog.Any("output_shape", res.out.Shape()),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, TensorPayload{
		Shape: res.out.Shape(),
		Data:  res.out.RawData(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	head            *head.MLP
	shutdownTimeout time.Duration
}

func New(cfg config.Config, m *head.MLP) *Server {
	return &Server{
		cfg:             cfg,
		head:            m,
		shutdownTimeout: 30 * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if s.head == nil {
		return errors.New("server: no head to serve")
	}

	h := NewHandler(s.head, s.handlerOptions()...)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("serving head",
		slog.String("addr", s.cfg.Server.ListenAddr),
		slog.String("dims", head.FormatDims(s.head.Dims())),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

func (s *Server) handlerOptions() []Option {
	opts := []Option{WithWorkers(s.cfg.Server.Workers)}
	if s.cfg.Server.MaxValues > 0 {
		opts = append(opts, WithMaxValues(s.cfg.Server.MaxValues))
	}
	if s.cfg.Server.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second))
	}
	return opts
}

func ProbeHTTP(addr string) error {
	resp, err := http.Get("http://" + addr + "/health") //nolint:noctx
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}
