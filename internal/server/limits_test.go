package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/runtime/tensor"
	"github.com/example/go-mlp-head/internal/server"
)

// blockingModel blocks every Forward until release is closed.
type blockingModel struct {
	stubModel
	release chan struct{}
}

func (b *blockingModel) Forward(x *tensor.Tensor, _ nn.Mode) (*tensor.Tensor, error) {
	<-b.release
	return x, nil
}

// countingModel records the peak number of concurrent Forward calls.
type countingModel struct {
	stubModel
	active atomic.Int32
	peak   atomic.Int32
}

func (c *countingModel) Forward(x *tensor.Tensor, _ nn.Mode) (*tensor.Tensor, error) {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	time.Sleep(20 * time.Millisecond)
	c.active.Add(-1)

	return x, nil
}

func TestForward_TooManyValuesRejectedAs413(t *testing.T) {
	h := server.NewHandler(constantHead(t), server.WithMaxValues(5))

	rec := postForward(t, h, `{"shape":[2,3],"data":[1,2,3,4,5,6]}`)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}

	if decodeError(t, rec) == "" {
		t.Error("want non-empty error field")
	}
}

func TestForward_ValuesAtExactLimitAccepted(t *testing.T) {
	h := server.NewHandler(constantHead(t), server.WithMaxValues(6))

	rec := postForward(t, h, `{"shape":[2,3],"data":[1,2,3,4,5,6]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 at the limit, got %d", rec.Code)
	}
}

func TestForward_RequestTimeoutReturns504(t *testing.T) {
	model := &blockingModel{release: make(chan struct{})}
	defer close(model.release)

	h := server.NewHandler(model, server.WithRequestTimeout(20*time.Millisecond))

	rec := postForward(t, h, `{"shape":[1,3],"data":[1,2,3]}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("want 504, got %d", rec.Code)
	}

	if decodeError(t, rec) == "" {
		t.Error("want non-empty error field")
	}
}

func TestForward_TimedOutForwardKeepsWorkerSlot(t *testing.T) {
	model := &blockingModel{release: make(chan struct{})}
	h := server.NewHandler(model,
		server.WithWorkers(1),
		server.WithRequestTimeout(20*time.Millisecond),
	)

	body := `{"shape":[1,3],"data":[1,2,3]}`

	if rec := postForward(t, h, body); rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("first request: want 504, got %d", rec.Code)
	}

	// The first forward is still running, so the only slot is taken.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/forward", strings.NewReader(body)).WithContext(ctx)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("second request: want 503 while the slot is held, got %d", rec.Code)
	}

	close(model.release)

	if rec := postForward(t, h, body); rec.Code != http.StatusOK {
		t.Fatalf("after release: want 200, got %d", rec.Code)
	}
}

func TestForward_ConcurrencyThrottling(t *testing.T) {
	const workers = 2
	const total = 6

	model := &countingModel{}
	h := server.NewHandler(model, server.WithWorkers(workers))

	var wg sync.WaitGroup
	codes := make([]int, total)

	for i := range total {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = postForward(t, h, `{"shape":[1,3],"data":[1,2,3]}`).Code
		}()
	}

	wg.Wait()

	for i, c := range codes {
		if c != http.StatusOK {
			t.Errorf("request %d: want 200, got %d", i, c)
		}
	}

	if p := model.peak.Load(); p > workers {
		t.Errorf("peak concurrency = %d; want <= %d", p, workers)
	}
}

func TestForward_ZeroWorkersDisablesThrottling(t *testing.T) {
	h := server.NewHandler(constantHead(t), server.WithWorkers(0))

	rec := postForward(t, h, `{"shape":[1,3],"data":[1,2,3]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}
