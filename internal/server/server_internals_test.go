package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/go-mlp-head/internal/config"
	"github.com/example/go-mlp-head/internal/head"
)

func TestNew_DefaultShutdownTimeout(t *testing.T) {
	s := New(config.DefaultConfig(), nil)
	if s.shutdownTimeout != 30*time.Second {
		t.Errorf("shutdownTimeout = %v; want 30s", s.shutdownTimeout)
	}
}

func TestWithShutdownTimeout_Chaining(t *testing.T) {
	s := New(config.DefaultConfig(), nil)
	if got := s.WithShutdownTimeout(5 * time.Second); got != s {
		t.Error("WithShutdownTimeout should return the same server")
	}

	if s.shutdownTimeout != 5*time.Second {
		t.Errorf("shutdownTimeout = %v; want 5s", s.shutdownTimeout)
	}
}

func TestHandlerOptions_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Workers = 3
	cfg.Server.MaxValues = 100
	cfg.Server.RequestTimeout = 7

	opts := defaultOptions()
	for _, fn := range New(cfg, nil).handlerOptions() {
		fn(&opts)
	}

	if opts.workers != 3 || opts.maxValues != 100 || opts.requestTimeout != 7*time.Second {
		t.Errorf("options = %+v; want workers 3, maxValues 100, timeout 7s", opts)
	}
}

func TestHandlerOptions_ZeroKeepsDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.MaxValues = 0
	cfg.Server.RequestTimeout = 0

	opts := defaultOptions()
	for _, fn := range New(cfg, nil).handlerOptions() {
		fn(&opts)
	}

	def := defaultOptions()
	if opts.maxValues != def.maxValues || opts.requestTimeout != def.requestTimeout {
		t.Errorf("options = %+v; want defaults for zero config", opts)
	}
}

// --- ProbeHTTP ---

func TestProbeHTTP_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	if err := ProbeHTTP(addr); err != nil {
		t.Errorf("ProbeHTTP(%q) = %v; want nil", addr, err)
	}
}

func TestProbeHTTP_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := ProbeHTTP(srv.Listener.Addr().String()); err == nil {
		t.Error("ProbeHTTP() = nil; want error for non-200 response")
	}
}

func TestProbeHTTP_ConnectionRefused(t *testing.T) {
	if err := ProbeHTTP("127.0.0.1:1"); err == nil {
		t.Error("ProbeHTTP() = nil; want error for unreachable host")
	}
}

// --- Start ---

func TestStart_NilHead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := New(config.DefaultConfig(), nil).Start(ctx); err == nil {
		t.Error("Start() = nil; want error without a head")
	}
}

func TestStart_LifecycleHealthForwardAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	addr := ln.Addr().String()
	ln.Close()

	m, err := head.New(head.DefaultHeadConfig(), []int{3, 2}, head.Options{Bias: true, Seed: 9})
	if err != nil {
		t.Fatalf("head.New: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = addr

	s := New(cfg, m).WithShutdownTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start(ctx)
	}()

	ready := false
	for range 50 {
		if ProbeHTTP(addr) == nil {
			ready = true
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	if !ready {
		t.Fatal("server never became ready")
	}

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Post(fmt.Sprintf("http://%s/forward", addr), "application/json",
		bytes.NewBufferString(`{"shape":[4,3],"data":[1,2,3,4,5,6,7,8,9,10,11,12]}`))
	if err != nil {
		t.Fatalf("POST /forward: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/forward status = %d; want 200", resp.StatusCode)
	}

	var out TensorPayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode /forward: %v", err)
	}

	if len(out.Shape) != 2 || out.Shape[0] != 4 || out.Shape[1] != 2 || len(out.Data) != 8 {
		t.Errorf("output shape %v with %d values; want [4 2] with 8", out.Shape, len(out.Data))
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start() returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return within 5s of context cancel")
	}
}

// --- Functional options ---

func TestOptions(t *testing.T) {
	opts := defaultOptions()
	WithMaxValues(1024)(&opts)
	WithWorkers(8)(&opts)
	WithRequestTimeout(90 * time.Second)(&opts)

	if opts.maxValues != 1024 {
		t.Errorf("maxValues = %d; want 1024", opts.maxValues)
	}

	if opts.workers != 8 {
		t.Errorf("workers = %d; want 8", opts.workers)
	}

	if opts.requestTimeout != 90*time.Second {
		t.Errorf("requestTimeout = %v; want 90s", opts.requestTimeout)
	}
}
