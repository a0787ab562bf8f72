package bugfix

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/fault"
	"github.com/aristath/taskforge/internal/logging"
)

// DefaultDiscoveryTimeout bounds one discovery run.
const DefaultDiscoveryTimeout = 300 * time.Second

// DiscoveryConfig configures the go toolchain based strategies.
type DiscoveryConfig struct {
	Dir      string        // Module root the tool runs in
	Packages []string      // Package patterns (default ./...)
	Timeout  time.Duration // Per run; no retry on expiry
	// Command is the go binary (default "go").
	Command string
}

func (c DiscoveryConfig) withDefaults() DiscoveryConfig {
	if len(c.Packages) == 0 {
		c.Packages = []string{"./..."}
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultDiscoveryTimeout
	}
	if c.Command == "" {
		c.Command = "go"
	}
	return c
}

// NewDiscovery returns the strategy named kind: "test" or "analysis" ("vet").
func NewDiscovery(kind string, cfg DiscoveryConfig, pm *backend.ProcessManager, log *logging.Logger) (Discovery, error) {
	switch kind {
	case "test":
		return NewTestDiscovery(cfg, pm, log), nil
	case "analysis", "vet":
		return NewAnalysisDiscovery(cfg, pm, log), nil
	default:
		return nil, fmt.Errorf("unknown discovery strategy %q", kind)
	}
}

// runTool executes the go tool bounded by the configured timeout.
func runTool(ctx context.Context, cfg DiscoveryConfig, pm *backend.ProcessManager, op string, args ...string) ([]byte, []byte, error) {
	tctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	stdout, stderr, err := backend.Run(tctx, pm, cfg.Dir, cfg.Command, args...)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, nil, fault.Newf(fault.ErrTimeout, op, "%s %s exceeded %s", cfg.Command, args[0], cfg.Timeout)
	}
	if err != nil && ctx.Err() != nil {
		return nil, nil, fault.New(fault.ErrInterrupted, op, ctx.Err())
	}
	return stdout, stderr, err
}

func packages(cfg DiscoveryConfig, scope Scope) []string {
	if len(scope.Packages) > 0 {
		return scope.Packages
	}
	return cfg.Packages
}

// TestDiscovery reports failing tests and packages that fail to build,
// from `go test -json`.
type TestDiscovery struct {
	cfg DiscoveryConfig
	pm  *backend.ProcessManager
	log *logging.Logger
}

// NewTestDiscovery creates a test-failure strategy.
func NewTestDiscovery(cfg DiscoveryConfig, pm *backend.ProcessManager, log *logging.Logger) *TestDiscovery {
	return &TestDiscovery{cfg: cfg.withDefaults(), pm: pm, log: logging.OrNop(log).Named("discovery.test")}
}

func (d *TestDiscovery) Name() string { return "test" }

func (d *TestDiscovery) Discover(ctx context.Context, scope Scope) ([]Bug, error) {
	args := []string{"test", "-json", "-count=1"}
	if scope.Run != "" {
		args = append(args, "-run", scope.Run)
	}
	args = append(args, packages(d.cfg, scope)...)

	stdout, _, err := runTool(ctx, d.cfg, d.pm, "discovery.test", args...)
	if err != nil && backend.ExitCode(err) < 0 {
		return nil, err
	}

	bugs, perr := parseTestJSON(stdout)
	if perr != nil {
		return nil, fmt.Errorf("failed to parse go test output: %w", perr)
	}
	// A non-zero exit with nothing parsed is a tool failure, not a bug list.
	if err != nil && len(bugs) == 0 {
		return nil, fmt.Errorf("go test: %w", err)
	}
	d.log.Debug(ctx, "test discovery finished", zap.Int("bugs", len(bugs)), zap.Strings("packages", packages(d.cfg, scope)))
	return bugs, nil
}

// testEvent is one line of `go test -json` (test2json) output.
type testEvent struct {
	Action      string
	Package     string
	Test        string
	Output      string
	ImportPath  string
	FailedBuild string
}

var fileLine = regexp.MustCompile(`([\w./\-]+\.go):(\d+)(?::\d+)?:?\s*(.*)`)

// importPackage strips the " [pkg.test]" variant suffix go adds to the
// import path of a package compiled for its tests.
func importPackage(importPath string) string {
	if i := strings.Index(importPath, " ["); i >= 0 {
		return importPath[:i]
	}
	return importPath
}

// parseTestJSON turns test2json events into bugs: one per failing leaf
// test, one per package that failed to build, and one per package that
// failed without either.
func parseTestJSON(data []byte) ([]Bug, error) {
	type key struct{ pkg, test string }
	output := make(map[key][]string)
	failedPkgs := make(map[string]bool)
	failedTests := make(map[string][]string)
	var bugs []Bug

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev testEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, err
		}

		switch ev.Action {
		case "output":
			k := key{ev.Package, ev.Test}
			output[k] = append(output[k], ev.Output)
		case "build-output":
			k := key{importPackage(ev.ImportPath), ""}
			output[k] = append(output[k], ev.Output)
		case "build-fail":
			pkg := importPackage(ev.ImportPath)
			if failedPkgs[pkg] {
				continue
			}
			failedPkgs[pkg] = true
			bugs = append(bugs, bugFromOutput(CategoryBuild, pkg, pkg, output[key{pkg, ""}]))
		case "fail":
			if ev.Test != "" {
				failedPkgs[ev.Package] = true
				subFailed := hasFailedSubtest(failedTests[ev.Package], ev.Test)
				failedTests[ev.Package] = append(failedTests[ev.Package], ev.Test)
				if subFailed {
					continue
				}
				bugs = append(bugs, bugFromOutput(CategoryTest, ev.Package, ev.Test, output[key{ev.Package, ev.Test}]))
				continue
			}
			// A package whose test binary failed to build because of another
			// package's compile error is covered by that package's bug.
			if ev.FailedBuild != "" && failedPkgs[importPackage(ev.FailedBuild)] {
				continue
			}
			if !failedPkgs[ev.Package] {
				failedPkgs[ev.Package] = true
				bugs = append(bugs, bugFromOutput(CategoryBuild, ev.Package, ev.Package, output[key{ev.Package, ""}]))
			}
		}
	}
	return bugs, scanner.Err()
}

// hasFailedSubtest reports whether a subtest of test already failed.
// Subtests finish before their parent, so the parent's fail is redundant.
func hasFailedSubtest(failed []string, test string) bool {
	for _, name := range failed {
		if strings.HasPrefix(name, test+"/") {
			return true
		}
	}
	return false
}

// bugFromOutput picks the first file:line message from a test's output as
// the bug location and description.
func bugFromOutput(category, pkg, origin string, lines []string) Bug {
	b := Bug{Package: pkg, Origin: origin, Category: category}
	for _, l := range lines {
		text := strings.TrimSpace(l)
		if text == "" || strings.HasPrefix(text, "=== ") || strings.HasPrefix(text, "--- ") {
			continue
		}
		if m := fileLine.FindStringSubmatch(text); m != nil {
			b.File = strings.TrimPrefix(m[1], "./")
			b.Line, _ = strconv.Atoi(m[2])
			b.Description = strings.TrimSpace(m[3])
			break
		}
		if b.Description == "" && !strings.HasPrefix(text, "FAIL") && !strings.HasPrefix(text, "#") {
			b.Description = text
		}
	}
	if b.Description == "" {
		b.Description = fmt.Sprintf("%s failed", origin)
	}
	if b.File == "" {
		b.File = pkg
	}
	return b
}

// AnalysisDiscovery reports `go vet` findings.
type AnalysisDiscovery struct {
	cfg DiscoveryConfig
	pm  *backend.ProcessManager
	log *logging.Logger
}

// NewAnalysisDiscovery creates a static-analysis strategy.
func NewAnalysisDiscovery(cfg DiscoveryConfig, pm *backend.ProcessManager, log *logging.Logger) *AnalysisDiscovery {
	return &AnalysisDiscovery{cfg: cfg.withDefaults(), pm: pm, log: logging.OrNop(log).Named("discovery.vet")}
}

func (d *AnalysisDiscovery) Name() string { return "vet" }

func (d *AnalysisDiscovery) Discover(ctx context.Context, scope Scope) ([]Bug, error) {
	args := append([]string{"vet"}, packages(d.cfg, scope)...)
	_, stderr, err := runTool(ctx, d.cfg, d.pm, "discovery.vet", args...)
	if err != nil && backend.ExitCode(err) < 0 {
		return nil, err
	}

	bugs := parseVet(string(stderr))
	if err != nil && len(bugs) == 0 {
		return nil, fmt.Errorf("go vet: %w", err)
	}
	d.log.Debug(ctx, "vet discovery finished", zap.Int("bugs", len(bugs)))
	return bugs, nil
}

var vetLine = regexp.MustCompile(`^(.+\.go):(\d+)(?::\d+)?: (.+)$`)

// parseVet reads `go vet` diagnostics. "# pkg" headers set the package of
// the lines that follow. Lines prefixed "vet: " are type-check failures and
// become build bugs.
func parseVet(out string) []Bug {
	var bugs []Bug
	pkg := ""
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "# ") {
			pkg = strings.Trim(strings.TrimPrefix(line, "# "), "[]")
			continue
		}
		category, origin := CategoryVet, "vet"
		if rest, ok := strings.CutPrefix(line, "vet: "); ok {
			line, category, origin = rest, CategoryBuild, pkg
		}
		m := vetLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		bugs = append(bugs, Bug{
			File:        strings.TrimPrefix(m[1], "./"),
			Line:        n,
			Description: m[3],
			Origin:      origin,
			Package:     pkg,
			Category:    category,
		})
	}
	return bugs
}
