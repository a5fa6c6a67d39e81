// Package locator resolves a (canonical_slug, app_number) pair to a source
// directory and, optionally, live endpoint ports. It is the sole place that
// consults slug variants for tolerant reads (writes always use the
// canonical form).
package locator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/slug"
)

// Resolution is what the locator returns for an app.
type Resolution struct {
	SourceDir string
	Ports     *task.PortBinding
}

// FilesystemLocator resolves model+app identifiers to source directories.
type FilesystemLocator interface {
	// Locate returns the source directory for (slug, appNumber), trying
	// the canonical form and its variants in order. It reports "not
	// found" (task.ErrNotFound) if no directory exists under any variant.
	Locate(ctx context.Context, canonicalSlug string, appNumber int) (string, error)
}

// PortDirectory resolves live endpoint ports for a running app. Absence is
// reported as an explicit error (task.ErrNoPorts); the engine never
// synthesizes a fallback port.
type PortDirectory interface {
	Ports(ctx context.Context, canonicalSlug string, appNumber int) (task.PortBinding, error)
}

// DirLocator is a FilesystemLocator backed by a root directory laid out as
// <root>/<slug-variant>/app<N>.
type DirLocator struct {
	Root string
}

// NewDirLocator constructs a DirLocator rooted at dir.
func NewDirLocator(dir string) *DirLocator {
	return &DirLocator{Root: dir}
}

func (d *DirLocator) Locate(ctx context.Context, canonicalSlug string, appNumber int) (string, error) {
	select {
	case <-ctx.Done():
		return "", task.Wrap(task.ErrCancelled, "locate cancelled", ctx.Err())
	default:
	}

	for _, variant := range slug.Variants(canonicalSlug) {
		candidate := filepath.Join(d.Root, variant, fmt.Sprintf("app%d", appNumber))
		info, err := os.Stat(candidate)
		if err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", task.NewError(task.ErrNotFound, fmt.Sprintf("app does not exist: %s app%d", canonicalSlug, appNumber))
}

// StaticPortDirectory resolves ports from a pre-populated in-memory map,
// grounding the "no synthetic port fallback" invariant: a key miss is
// reported, never defaulted.
type StaticPortDirectory struct {
	bindings map[string]task.PortBinding
}

// NewStaticPortDirectory constructs an empty StaticPortDirectory.
func NewStaticPortDirectory() *StaticPortDirectory {
	return &StaticPortDirectory{bindings: make(map[string]task.PortBinding)}
}

// Set registers ports for (slug, appNumber) under its canonical key only;
// reads still tolerate variants via Ports below.
func (p *StaticPortDirectory) Set(canonicalSlug string, appNumber int, ports task.PortBinding) {
	p.bindings[key(canonicalSlug, appNumber)] = ports
}

func (p *StaticPortDirectory) Ports(ctx context.Context, canonicalSlug string, appNumber int) (task.PortBinding, error) {
	select {
	case <-ctx.Done():
		return task.PortBinding{}, task.Wrap(task.ErrCancelled, "ports lookup cancelled", ctx.Err())
	default:
	}
	for _, variant := range slug.Variants(canonicalSlug) {
		if b, ok := p.bindings[key(variant, appNumber)]; ok {
			return b, nil
		}
	}
	return task.PortBinding{}, task.NewError(task.ErrNoPorts, "no port configuration")
}

func key(s string, n int) string {
	return fmt.Sprintf("%s|%d", s, n)
}
