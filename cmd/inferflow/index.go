package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ravi-parthasarathy/inferflow/pkg/embedding"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

const upsertBatch = 100

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}

func indexCmd(opts *globalOpts) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "index <collection> <manifest.json|dir>",
		Short: "Embed documents or images into a vector collection",
		Long: `index embeds every item of a manifest (or every image in a directory) and
upserts the vectors into the configured vector store.

A manifest is a JSON array of items:

  [{"id": "celeb-1", "image": "looks/1.jpg", "metadata": {"name": "Airport Casual"}},
   {"id": "additives", "text": "Gelatin is produced from animal collagen.", "metadata": {"title": "Additives"}}]

Image paths are relative to the manifest. Text items also store their text
under the "text" metadata key, which the qa flow quotes back to the model.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, source := args[0], args[1]
			items, err := loadManifest(source)
			if err != nil {
				return err
			}
			if opts.cfg.VectorStore.Backend == "memory" {
				slog.Warn("vector store backend is memory; the index is discarded when this command exits")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			collab, err := newCollaborators(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer collab.Close()
			if collab.deps.Embedder == nil {
				return fmt.Errorf("no embedder available for provider %q", opts.cfg.Embedding.Provider)
			}

			start := time.Now()
			n, err := indexItems(ctx, collab.deps.Embedder, collab.deps.Index, collection, items, concurrency)
			if err != nil {
				return err
			}
			total, err := collab.deps.Index.Count(ctx, collection)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(),
				"indexed %d items into %q with %s in %s (%d records total)\n",
				n, collection, collab.deps.Embedder.Model(), time.Since(start).Round(time.Millisecond), total)
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "number of items embedded in parallel")
	return cmd
}

// indexItem is one manifest entry. Exactly one of Text or Image is set.
type indexItem struct {
	ID       string            `json:"id"`
	Text     string            `json:"text,omitempty"`
	Image    string            `json:"image,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (it indexItem) input() (embedding.Input, error) {
	if it.Text != "" {
		return embedding.Input{Text: it.Text}, nil
	}
	data, err := os.ReadFile(it.Image)
	if err != nil {
		return embedding.Input{}, fmt.Errorf("item %q: %w", it.ID, err)
	}
	return embedding.Input{Image: data, MediaType: http.DetectContentType(data)}, nil
}

// loadManifest reads a JSON manifest or lists the images in a directory.
func loadManifest(path string) ([]indexItem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return scanImageDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []indexItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	seen := map[string]bool{}
	for i := range items {
		it := &items[i]
		switch {
		case it.ID == "":
			return nil, fmt.Errorf("manifest item %d: missing id", i)
		case seen[it.ID]:
			return nil, fmt.Errorf("manifest item %d: duplicate id %q", i, it.ID)
		case (it.Text == "") == (it.Image == ""):
			return nil, fmt.Errorf("manifest item %q: set exactly one of text or image", it.ID)
		}
		seen[it.ID] = true
		if it.Image != "" && !filepath.IsAbs(it.Image) {
			it.Image = filepath.Join(base, it.Image)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("manifest %s has no items", path)
	}
	return items, nil
}

func scanImageDir(dir string) ([]indexItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var items []indexItem
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || !imageExts[ext] {
			continue
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		items = append(items, indexItem{
			ID:       id,
			Image:    filepath.Join(dir, e.Name()),
			Metadata: map[string]string{"name": id},
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no images (%s) in %s", strings.Join(sortedExts(), ", "), dir)
	}
	return items, nil
}

func sortedExts() []string {
	exts := make([]string, 0, len(imageExts))
	for e := range imageExts {
		exts = append(exts, e)
	}
	sort.Strings(exts)
	return exts
}

// embedItems embeds items with at most concurrency calls in flight. The
// first failure cancels the rest.
func embedItems(ctx context.Context, emb embedding.Embedder, items []indexItem, concurrency int) ([]vectorstore.Record, error) {
	records := make([]vectorstore.Record, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, it := range items {
		g.Go(func() error {
			in, err := it.input()
			if err != nil {
				return err
			}
			vec, err := emb.Embed(gctx, in)
			if err != nil {
				return fmt.Errorf("embed %q: %w", it.ID, err)
			}
			md := maps.Clone(it.Metadata)
			if md == nil {
				md = map[string]string{}
			}
			if it.Text != "" && md["text"] == "" {
				md["text"] = it.Text
			}
			records[i] = vectorstore.Record{ID: it.ID, Vector: vec, Metadata: md}
			slog.Debug("embedded", "id", it.ID, "dim", len(vec))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// indexItems embeds items and upserts them into collection, creating it
// with the embedder's dimension when needed.
func indexItems(ctx context.Context, emb embedding.Embedder, idx vectorstore.Index, collection string, items []indexItem, concurrency int) (int, error) {
	records, err := embedItems(ctx, emb, items, concurrency)
	if err != nil {
		return 0, err
	}
	dim := len(records[0].Vector)
	for _, r := range records {
		if len(r.Vector) != dim {
			return 0, fmt.Errorf("record %q has dimension %d, want %d", r.ID, len(r.Vector), dim)
		}
	}
	if err := idx.CreateCollection(ctx, collection, dim); err != nil {
		return 0, fmt.Errorf("create collection %q: %w", collection, err)
	}
	for start := 0; start < len(records); start += upsertBatch {
		end := min(start+upsertBatch, len(records))
		if err := idx.Upsert(ctx, collection, records[start:end]...); err != nil {
			return start, fmt.Errorf("upsert into %q: %w", collection, err)
		}
	}
	return len(records), nil
}
