// Package doctor provides environment preflight checks for mlphead.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Minimum ONNX Runtime release that provides the C API version the runner
// requests.
const (
	minORTMajor = 1
	minORTMinor = 23
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// DescribeFunc returns a one-line summary or an error if the check failed.
type DescribeFunc func() (string, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// Head builds the configured architecture and summarizes it.
	Head DescribeFunc
	// Checkpoint opens the configured weights and summarizes them.
	Checkpoint DescribeFunc
	// SkipCheckpoint skips the checkpoint check (no weights configured).
	SkipCheckpoint bool
	// ORTVersion returns the detected ONNX Runtime version (e.g. "1.23.2").
	ORTVersion VersionFunc
	// SkipORT skips the ONNX Runtime check (native-only use).
	SkipORT bool
	// Files is the list of extra paths to verify on disk, such as an
	// exported ONNX graph.
	Files []string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- head architecture ------------------------------------------------
	if cfg.Head != nil {
		desc, err := cfg.Head()
		if err != nil {
			res.fail(fmt.Sprintf("head config: %v", err))
			fmt.Fprintf(w, "%s head config: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s head config: %s\n", PassMark, desc)
		}
	}

	// ---- checkpoint -------------------------------------------------------
	switch {
	case cfg.SkipCheckpoint:
		fmt.Fprintf(w, "%s checkpoint: skipped\n", PassMark)
	case cfg.Checkpoint == nil:
		res.fail("checkpoint: no check configured")
		fmt.Fprintf(w, "%s checkpoint: no check configured\n", FailMark)
	default:
		desc, err := cfg.Checkpoint()
		if err != nil {
			res.fail(fmt.Sprintf("checkpoint: %v", err))
			fmt.Fprintf(w, "%s checkpoint: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s checkpoint: %s\n", PassMark, desc)
		}
	}

	// ---- ONNX Runtime -----------------------------------------------------
	switch {
	case cfg.SkipORT:
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	case cfg.ORTVersion == nil:
		res.fail("onnx runtime: no check configured")
		fmt.Fprintf(w, "%s onnx runtime: no check configured\n", FailMark)
	default:
		ver, err := cfg.ORTVersion()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if verErr := checkORTVersion(ver); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s\n", PassMark, ver)
		}
	}

	// ---- files ------------------------------------------------------------
	for _, path := range cfg.Files {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("file %q: %v", path, err))
			fmt.Fprintf(w, "%s file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s file: %s\n", PassMark, path)
		}
	}

	return res
}

// checkORTVersion returns an error if ver is older than the minimum release.
// ver is expected to be a string like "1.23.2"; "unknown" is accepted since
// the library may not encode its version in the file name.
func checkORTVersion(ver string) error {
	if ver == "" || ver == "unknown" {
		return nil
	}

	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}

	if major != minORTMajor {
		return fmt.Errorf("requires ONNX Runtime %d.x, got %d", minORTMajor, major)
	}

	if minor < minORTMinor {
		return fmt.Errorf("requires ONNX Runtime >=%d.%d, got %d.%d", minORTMajor, minORTMinor, major, minor)
	}

	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(ver, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}

	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}

	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}

	return major, minor, nil
}
