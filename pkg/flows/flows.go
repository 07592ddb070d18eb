// Package flows ships the built-in pipeline definitions and resolves flow
// names to parsed pipelines.
package flows

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

//go:embed *.dot
var builtin embed.FS

// ErrUnknownFlow is returned when a name matches no built-in or on-disk flow.
var ErrUnknownFlow = errors.New("unknown flow")

// Catalog resolves flow names. Files in Dir named <flow>.dot shadow the
// built-in flow of the same name.
type Catalog struct {
	Dir string
}

// NewCatalog returns a catalog that also searches dir when it is non-empty.
func NewCatalog(dir string) *Catalog {
	return &Catalog{Dir: dir}
}

// Names lists every available flow in sorted order.
func (c *Catalog) Names() ([]string, error) {
	seen := map[string]bool{}
	entries, err := fs.Glob(builtin, "*.dot")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		seen[strings.TrimSuffix(e, ".dot")] = true
	}
	if c.Dir != "" {
		files, err := filepath.Glob(filepath.Join(c.Dir, "*.dot"))
		if err != nil {
			return nil, fmt.Errorf("list flows in %s: %w", c.Dir, err)
		}
		for _, f := range files {
			seen[strings.TrimSuffix(filepath.Base(f), ".dot")] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Source returns the DOT text of the named flow.
func (c *Catalog) Source(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlow, name)
	}
	if c.Dir != "" {
		data, err := os.ReadFile(filepath.Join(c.Dir, name+".dot"))
		switch {
		case err == nil:
			return string(data), nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("read flow %q: %w", name, err)
		}
	}
	data, err := builtin.ReadFile(name + ".dot")
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownFlow, name)
	}
	return string(data), nil
}

// Load parses the named flow and resolves its model stylesheet.
func (c *Catalog) Load(name string) (*pipeline.Pipeline, error) {
	src, err := c.Source(name)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.ParseDOT(src)
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	pipeline.ApplyStylesheet(p)
	return p, nil
}

// Resolve accepts either a flow name or a path to a .dot file.
func (c *Catalog) Resolve(ref string) (*pipeline.Pipeline, error) {
	if !strings.HasSuffix(ref, ".dot") && !strings.ContainsAny(ref, `/\`) {
		return c.Load(ref)
	}
	p, err := pipeline.ParseFile(ref)
	if err != nil {
		return nil, err
	}
	pipeline.ApplyStylesheet(p)
	return p, nil
}

// Builtin is the catalog of embedded flows only.
var Builtin = NewCatalog("")
