package tensor

import (
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

// workers bounds the goroutines a row-parallel kernel may fan out to.
// 1 runs kernels on the calling goroutine.
var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets the kernel parallelism, typically once from
// runtime.threads. n < 1 is treated as 1.
func SetWorkers(n int) {
	workers.Store(int32(max(1, min(n, 1<<16))))
}

func getWorkers() int {
	return max(1, int(workers.Load()))
}

// parallelFor splits [0, n) into at most maxWorkers contiguous chunks and
// runs fn on each. A panic in any chunk is re-raised on the caller.
func parallelFor(n, maxWorkers int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	if maxWorkers <= 1 || n == 1 {
		fn(0, n)
		return
	}

	chunk := (n + min(maxWorkers, n) - 1) / min(maxWorkers, n)

	var wg conc.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Go(func() { fn(lo, hi) })
	}

	wg.Wait()
}
