package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-mlp-head/internal/head"
	"github.com/example/go-mlp-head/internal/nn"
	"github.com/example/go-mlp-head/internal/safetensors"
	"github.com/example/go-mlp-head/internal/server"
)

func TestDescribe_Table(t *testing.T) {
	out, err := runCLI(t, "--head-dims", "4,3,2", "--head-use-relu", "--head-use-bias=false", "describe")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}

	for _, want := range []string{"linear", "relu", "no bias", "dims 4,3,2", "4 layers", "18 parameters"} {
		if !strings.Contains(out, want) {
			t.Errorf("describe output missing %q:\n%s", want, out)
		}
	}
}

func TestDescribe_JSON(t *testing.T) {
	out, err := runCLI(t, "--head-dims", "4,3", "--head-use-bn", "describe", "--format", "json")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}

	var rep describeReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}

	// Linear 4*3+3, BatchNorm weight and bias 3+3.
	if rep.Params != 21 || len(rep.Layers) != 2 || rep.Layers[1].Kind != "batchnorm" {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestDescribe_BadFormat(t *testing.T) {
	if _, err := runCLI(t, "describe", "--format", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestDescribe_InvalidDims(t *testing.T) {
	if _, err := runCLI(t, "--head-dims", "4,0", "describe"); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func decodeSummary(t *testing.T, out string) forwardSummary {
	t.Helper()

	var s forwardSummary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("invalid forward JSON: %v\n%s", err, out)
	}

	return s
}

func TestInitThenForward(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, "models", "head.safetensors")
	outPath := filepath.Join(dir, "y.safetensors")

	arch := []string{"--head-dims", "4,3", "--head-use-bn", "--head-use-relu", "--weights", weights}

	out, err := runCLI(t, append(arch, "init")...)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "wrote "+weights) {
		t.Fatalf("unexpected init output %q", out)
	}

	// The checkpoint carries its architecture, so forward needs only --weights.
	out, err = runCLI(t, "--weights", weights, "forward", "--require-weights", "--batch", "5", "--out", outPath)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	s := decodeSummary(t, out)
	if s.Mode != "eval" || len(s.OutputShape) != 2 || s.OutputShape[0] != 5 || s.OutputShape[1] != 3 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Min < 0 {
		t.Fatalf("ReLU output has negative min %v", s.Min)
	}

	y, err := safetensors.LoadTensor(outPath, OutputTensorName)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(y.Data) != 15 {
		t.Fatalf("output has %d values", len(y.Data))
	}
}

func TestInit_F16(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "head.safetensors")

	if _, err := runCLI(t, "--head-dims", "4,2", "--weights", weights, "init", "--dtype", "f16"); err != nil {
		t.Fatalf("init: %v", err)
	}

	st, err := safetensors.LoadTensor(weights, "clf.0.weight")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.DType != safetensors.DTypeF16 {
		t.Fatalf("dtype = %q", st.DType)
	}

	if _, err := runCLI(t, "--weights", weights, "init", "--dtype", "int8"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
}

func TestForward_SqueezesRank4Input(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "x.safetensors")

	err := safetensors.WriteFile(input, []safetensors.Tensor{{
		Name:  "features",
		Shape: []int64{2, 4, 1, 1},
		Data:  []float32{1, 2, 3, 4, 5, 6, 7, 8},
	}})
	if err != nil {
		t.Fatalf("write input: %v", err)
	}

	out, err := runCLI(t, "--head-dims", "4,3", "--weights", filepath.Join(dir, "none.safetensors"),
		"forward", "--input", input, "--input-tensor", "features")
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	s := decodeSummary(t, out)
	if len(s.InputShape) != 4 || len(s.OutputShape) != 2 || s.OutputShape[1] != 3 {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestForward_TrainSavesRunningStats(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "head.safetensors")

	if _, err := runCLI(t, "--head-dims", "4,3", "--head-use-bn", "--weights", weights, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := runCLI(t, "--weights", weights, "forward", "--mode", "train", "--batch", "6", "--save-weights"); err != nil {
		t.Fatalf("forward: %v", err)
	}

	m, err := head.Open(weights, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	bn := m.Layers()[1].Norm
	if bn.NumBatchesTracked != 1 {
		t.Fatalf("num_batches_tracked = %d", bn.NumBatchesTracked)
	}

	moved := false
	for _, v := range bn.RunningMean {
		if v != 0 {
			moved = true
		}
	}
	if !moved {
		t.Fatal("running mean was not updated")
	}
}

func TestForward_SaveWeightsRequiresTrain(t *testing.T) {
	if _, err := runCLI(t, "--head-dims", "4,3", "--weights", filepath.Join(t.TempDir(), "h.safetensors"),
		"forward", "--save-weights"); err == nil {
		t.Fatal("expected error for --save-weights in eval mode")
	}
}

func TestForward_RequireWeightsMissing(t *testing.T) {
	if _, err := runCLI(t, "--weights", filepath.Join(t.TempDir(), "missing.safetensors"), "forward", "--require-weights"); err == nil {
		t.Fatal("expected error for missing weights")
	}
}

func TestServe_RequireWeightsMissing(t *testing.T) {
	if _, err := runCLI(t, "--weights", filepath.Join(t.TempDir(), "missing.safetensors"), "serve", "--require-weights"); err == nil {
		t.Fatal("expected error for missing weights")
	}
}

func TestHealth_ChecksListenAddr(t *testing.T) {
	m, err := head.New(head.DefaultHeadConfig(), []int{4, 2}, head.DefaultOptions())
	if err != nil {
		t.Fatalf("head.New: %v", err)
	}

	ts := httptest.NewServer(server.NewHandler(m))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")

	out, err := runCLI(t, "--server-listen-addr", addr, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if strings.TrimSpace(out) != "ok" {
		t.Fatalf("health output = %q, want ok", out)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	if _, err := runCLI(t, "--server-listen-addr", addr, "health", "--addr", strings.TrimPrefix(down.URL, "http://")); err == nil {
		t.Fatal("expected health to fail on a 503 endpoint")
	}
}

func TestParity_RejectsSingleRowBatch(t *testing.T) {
	_, err := runCLI(t, "--head-dims", "4,3", "--onnx", filepath.Join(t.TempDir(), "head.onnx"), "parity", "--batch", "1")
	if err == nil {
		t.Fatal("expected parity to reject a batch of one")
	}
	if !strings.Contains(err.Error(), "at least 2 rows") {
		t.Fatalf("parity error = %v", err)
	}
}

func TestForward_PlainStateDictUsesConfiguredArchitecture(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "plain.safetensors")

	m, err := head.New(head.DefaultHeadConfig(), []int{4, 2}, head.Options{Bias: true, Init: nn.Constant(1, 0)})
	if err != nil {
		t.Fatalf("head.New: %v", err)
	}
	if err := safetensors.WriteFile(weights, m.StateDict()); err != nil {
		t.Fatalf("write: %v", err)
	}

	input := filepath.Join(t.TempDir(), "x.safetensors")
	if err := safetensors.WriteFile(input, []safetensors.Tensor{{Name: "x", Shape: []int64{2, 4}, Data: []float32{1, 1, 1, 1, 0, 0, 0, 0}}}); err != nil {
		t.Fatalf("write input: %v", err)
	}

	out, err := runCLI(t, "--head-dims", "4,2", "--weights", weights, "forward", "--require-weights", "--input", input)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	s := decodeSummary(t, out)
	if s.Max != 4 || s.Min != 0 {
		t.Fatalf("unexpected summary %+v", s)
	}

	// The configured architecture must match the state dict.
	if _, err := runCLI(t, "--head-dims", "4,3", "--weights", weights, "forward", "--require-weights", "--input", input); err == nil {
		t.Fatal("expected shape mismatch for a different architecture")
	}
}

func TestBench_JSON(t *testing.T) {
	out, err := runCLI(t, "--head-dims", "4,2", "--weights", filepath.Join(t.TempDir(), "none.safetensors"),
		"bench", "--runs", "2", "--batch", "3", "--progress=false", "--format", "json")
	if err != nil {
		t.Fatalf("bench: %v", err)
	}

	var rep struct {
		Runs []struct {
			Samples int `json:"samples"`
		} `json:"runs"`
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if len(rep.Runs) != 2 || rep.Runs[0].Samples != 3 {
		t.Fatalf("unexpected report %s", out)
	}
}

func TestBench_ThroughputGate(t *testing.T) {
	_, err := runCLI(t, "--head-dims", "4,2", "--weights", filepath.Join(t.TempDir(), "none.safetensors"),
		"bench", "--runs", "1", "--batch", "1", "--progress=false", "--min-throughput", "1e15")
	if err == nil {
		t.Fatal("expected throughput gate to fail")
	}
}

func TestBench_BadArgs(t *testing.T) {
	if _, err := runCLI(t, "bench", "--runs", "0"); err == nil {
		t.Fatal("expected error for zero runs")
	}
	if _, err := runCLI(t, "bench", "--format", "csv"); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := runCLI(t, "bench", "--mode", "sideways"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExport_WritesGraph(t *testing.T) {
	dir := t.TempDir()
	graph := filepath.Join(dir, "out", "head.onnx")

	out, err := runCLI(t, "--head-dims", "4,3", "--head-use-relu", "--weights", filepath.Join(dir, "none.safetensors"),
		"--onnx", graph, "export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, graph) || !strings.Contains(out, "[N, 4]") {
		t.Fatalf("unexpected export output %q", out)
	}

	st, err := os.Stat(graph)
	if err != nil || st.Size() == 0 {
		t.Fatalf("graph not written: %v", err)
	}
}

func TestDoctor_CheckpointPresent(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "head.safetensors")

	if _, err := runCLI(t, "--head-dims", "4,3", "--weights", weights, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	out, err := runCLI(t, "--head-dims", "4,3", "--weights", weights, "doctor", "--skip-ort")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	if !strings.Contains(out, "doctor checks passed") {
		t.Fatalf("unexpected doctor output:\n%s", out)
	}
}

func TestDoctor_ReportsUnexpectedTensors(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "head.safetensors")

	if _, err := runCLI(t, "--head-dims", "4,3", "--weights", weights, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	m, err := head.Open(weights, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	tensors := append(m.StateDict(), safetensors.Tensor{
		Name: "optimizer.step", DType: safetensors.DTypeI64, Shape: []int64{}, Ints: []int64{12},
	})
	if err := safetensors.WriteFileWithMetadata(weights, tensors, head.EncodeMetadata(m.Config(), m.Dims(), m.Options())); err != nil {
		t.Fatalf("rewrite checkpoint: %v", err)
	}

	out, err := runCLI(t, "--head-dims", "4,3", "--weights", weights, "doctor", "--skip-ort")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 unexpected tensors: optimizer.step") {
		t.Fatalf("doctor output should list the extra tensor:\n%s", out)
	}
}

func TestDoctor_InputWidthMismatchFails(t *testing.T) {
	weights := filepath.Join(t.TempDir(), "head.safetensors")

	if _, err := runCLI(t, "--head-dims", "4,3", "--weights", weights, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	out, err := runCLI(t, "--head-dims", "5,3", "--weights", weights, "doctor", "--skip-ort")
	if err == nil {
		t.Fatalf("expected doctor to fail:\n%s", out)
	}
	if !strings.Contains(out, "expects 4 input features") {
		t.Fatalf("unexpected doctor output:\n%s", out)
	}
}

func TestDoctor_MissingWeightsFails(t *testing.T) {
	_, err := runCLI(t, "--weights", filepath.Join(t.TempDir(), "missing.safetensors"), "doctor", "--skip-ort")
	if err == nil {
		t.Fatal("expected doctor to fail without weights")
	}

	if _, err := runCLI(t, "--head-dims", "4,3", "doctor", "--skip-ort", "--skip-weights"); err != nil {
		t.Fatalf("doctor with skipped checks: %v", err)
	}
}
