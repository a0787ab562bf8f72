// Package bugfix runs the remediation loop: discover defects, route each
// through a fix capability, verify, and commit.
package bugfix

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/taskforge/internal/vcs"
)

// Bug categories.
const (
	CategoryTest  = "test"
	CategoryBuild = "build"
	CategoryVet   = "vet"
)

// Bug is one defect reported by a discovery strategy. Never mutated.
type Bug struct {
	File        string `json:"file"`
	Line        int    `json:"line,omitempty"`
	Description string `json:"description"`
	// Origin is the failing test or the analysis tag that reported the bug.
	Origin   string `json:"origin"`
	Package  string `json:"package,omitempty"`
	Category string `json:"category"`
}

// Same reports whether other is the same defect, ignoring line drift.
func (b Bug) Same(other Bug) bool {
	if b.Category != other.Category {
		return false
	}
	switch b.Category {
	case CategoryTest, CategoryBuild:
		return b.Package == other.Package && b.Origin == other.Origin
	default:
		return b.File == other.File && b.Description == other.Description
	}
}

// Location renders file:line.
func (b Bug) Location() string {
	if b.Line > 0 {
		return fmt.Sprintf("%s:%d", b.File, b.Line)
	}
	return b.File
}

func (b Bug) change() vcs.Change {
	return vcs.Change{File: b.File, Description: b.Description, Origin: b.Origin}
}

// Scope narrows a discovery run. The zero Scope means everything
// configured.
type Scope struct {
	Packages []string
	// Run restricts test discovery to matching tests (go test -run).
	Run string
}

// ScopeFor returns the narrowest scope that can re-detect b.
func ScopeFor(b Bug) Scope {
	var s Scope
	switch b.Category {
	case CategoryTest:
		if b.Package != "" {
			s.Packages = []string{b.Package}
		}
		s.Run = runPattern(b.Origin)
	case CategoryBuild:
		if b.Package != "" {
			s.Packages = []string{b.Package}
		}
	default:
		if dir := packageDir(b.File); dir != "" {
			s.Packages = []string{dir}
		}
	}
	return s
}

// runPattern anchors every level of a (sub)test name.
func runPattern(test string) string {
	if test == "" {
		return ""
	}
	parts := strings.Split(test, "/")
	for i, p := range parts {
		parts[i] = "^" + regexp.QuoteMeta(p) + "$"
	}
	return strings.Join(parts, "/")
}

func packageDir(file string) string {
	i := strings.LastIndex(file, "/")
	if i < 0 {
		return "."
	}
	dir := file[:i]
	if strings.HasPrefix(dir, "/") || strings.HasPrefix(dir, ".") {
		return dir
	}
	return "./" + dir
}

// Discovery produces candidate defects.
type Discovery interface {
	Name() string
	Discover(ctx context.Context, scope Scope) ([]Bug, error)
}

// DiscoveryFunc adapts a function to Discovery.
type DiscoveryFunc func(ctx context.Context, scope Scope) ([]Bug, error)

func (f DiscoveryFunc) Name() string { return "func" }

func (f DiscoveryFunc) Discover(ctx context.Context, scope Scope) ([]Bug, error) {
	return f(ctx, scope)
}
