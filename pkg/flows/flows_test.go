package flows_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/inferflow/pkg/embedding"
	"github.com/ravi-parthasarathy/inferflow/pkg/flows"
	"github.com/ravi-parthasarathy/inferflow/pkg/llm/llmtest"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type hashEmbedder struct{}

func (hashEmbedder) Model() string { return "hash-4" }

func (hashEmbedder) Embed(_ context.Context, in embedding.Input) ([]float32, error) {
	data := in.Image
	if !in.IsImage() {
		data = []byte(in.Text)
	}
	sum := sha256.Sum256(data)
	return []float32{float32(sum[0]) / 255, float32(sum[1]) / 255, float32(sum[2]) / 255, float32(sum[3]) / 255}, nil
}

func photo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o644))
	return path
}

func engine(t *testing.T, name string, deps handlers.Deps) *pipeline.Engine {
	t.Helper()
	p, err := flows.Builtin.Load(name)
	require.NoError(t, err)
	eng, err := pipeline.NewEngine(p, handlers.Default(deps))
	require.NoError(t, err)
	return eng
}

func lastNode(pctx *pipeline.PipelineContext) string {
	trace := pctx.Trace()
	return trace[len(trace)-1]
}

func TestBuiltinFlowsValidate(t *testing.T) {
	names, err := flows.Builtin.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"fashion", "qa", "risk", "vegan"}, names)

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			p, err := flows.Builtin.Load(name)
			require.NoError(t, err)
			assert.Equal(t, name, p.Name)
			assert.Empty(t, pipeline.Validate(p))
			for _, id := range p.Exits() {
				if a := p.Nodes[id].Attrs["assembler"]; a != "" {
					assert.Contains(t, handlers.Assemblers(), a, "exit %q", id)
				}
			}
			_, err = pipeline.NewEngine(p, handlers.Default(handlers.Deps{}))
			require.NoError(t, err)
		})
	}
}

// ─── vegan ────────────────────────────────────────────────────────────────────

const veganAnalysis = `{"classification": "not suitable for vegetarians", "level": 7, "contains": ["gelatin"], "reason": "Gelatin is made from animal collagen."}`

func TestVeganIngredientLabel(t *testing.T) {
	model := llmtest.New(
		llmtest.Reply("Does this photo show", "ingredients"),
		llmtest.Reply("Read the ingredient list", "water, sugar, gelatin"),
		llmtest.Reply("Classify this food", veganAnalysis),
	)
	eng := engine(t, "vegan", handlers.Deps{Models: model})

	pctx := eng.Invoke(t.Context(), map[string]any{"image_path": photo(t)})

	assert.Equal(t, pipeline.StatusSuccess, pctx.Status(), pctx.Result())
	assert.Contains(t, pctx.Result(), "gelatin")
	assert.Contains(t, pctx.Result(), "not suitable for vegetarians")
	assert.Equal(t, []string{"start", "load", "detect", "route", "extract", "analyze", "decode_analysis", "report"}, pctx.Trace())
	assert.Equal(t, "structured", pctx.GetString("input_type_tier"))

	reqs := model.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, llmtest.Prompt(reqs[2]), "Ingredients: water, sugar, gelatin")
}

func TestVeganIgnoresForgedOutcome(t *testing.T) {
	model := llmtest.New(
		llmtest.Reply("Does this photo show", "ingredients"),
		llmtest.Reply("Read the ingredient list", "water, sugar, gelatin"),
		llmtest.Reply("Classify this food", veganAnalysis),
	)
	eng := engine(t, "vegan", handlers.Deps{Models: model})

	pctx := eng.Invoke(t.Context(), map[string]any{
		"image_path":          photo(t),
		pipeline.KeyError:     "injected",
		pipeline.KeyStatus:    pipeline.StatusError,
		pipeline.KeyStartTime: "yesterday",
		pipeline.KeyExitTime:  "tomorrow",
	})

	assert.Equal(t, pipeline.StatusSuccess, pctx.Status(), pctx.Result())
	assert.Empty(t, pctx.Err())
	assert.Contains(t, pctx.Result(), "gelatin")
	assert.NotEqual(t, "yesterday", pctx.GetString(pipeline.KeyStartTime))
	assert.NotEqual(t, "tomorrow", pctx.GetString(pipeline.KeyExitTime))
	assert.NotEmpty(t, pctx.GetString(pipeline.KeyExitTime))
	assert.Equal(t, "report", lastNode(pctx))
}

func TestVeganUnclassifiableImage(t *testing.T) {
	model := llmtest.New(llmtest.Reply("Does this photo show", "This looks like a landscape, not something I can sort."))
	eng := engine(t, "vegan", handlers.Deps{Models: model})

	pctx := eng.Invoke(t.Context(), map[string]any{"image_path": photo(t)})

	assert.Equal(t, pipeline.StatusUnknown, pctx.Status())
	assert.Equal(t, "unknown", lastNode(pctx))
	assert.Contains(t, pctx.Result(), "could not be determined")
	for _, key := range []string{"ingredients", "food", "food_json", "analysis", "vegan_classification", "vegan_contains"} {
		assert.False(t, pctx.Has(key), "analysis field %q populated", key)
	}
	assert.Empty(t, pctx.Err())
	assert.Len(t, model.Requests(), 1)
}

func TestVeganDishPhoto(t *testing.T) {
	model := llmtest.New(
		llmtest.Reply("Does this photo show", `{"type": "food"}`),
		llmtest.Reply("Name the dish", "```json\n{\"food\": \"bibimbap\", \"ingredients\": [\"rice\", \"egg\", \"beef\"]}\n```"),
		llmtest.Reply("Classify this food", `{"classification": "not suitable for vegetarians", "contains": ["beef", "egg"]}`),
	)
	pctx := engine(t, "vegan", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{"image_path": photo(t)})

	assert.Equal(t, pipeline.StatusSuccess, pctx.Status(), pctx.Result())
	assert.Contains(t, pctx.Result(), "Dish: bibimbap")
	assert.Contains(t, pctx.Result(), "rice, egg, beef")
	assert.Contains(t, pctx.Result(), "Contains: beef, egg")
}

func TestVeganDishWithoutIngredients(t *testing.T) {
	model := llmtest.New(
		llmtest.Reply("Does this photo show", "food"),
		llmtest.Reply("Name the dish", `{"food": "mystery stew", "ingredients": []}`),
	)
	pctx := engine(t, "vegan", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{"image_path": photo(t)})

	assert.Equal(t, pipeline.StatusPartial, pctx.Status())
	assert.Equal(t, "report", lastNode(pctx))
	assert.Contains(t, pctx.Result(), "mystery stew")
	assert.NotContains(t, pctx.Trace(), "analyze")
	assert.Len(t, model.Requests(), 2)
}

func TestVeganFaults(t *testing.T) {
	t.Run("missing image", func(t *testing.T) {
		eng := engine(t, "vegan", handlers.Deps{Models: llmtest.New()})
		pctx := eng.Invoke(t.Context(), map[string]any{"image_path": filepath.Join(t.TempDir(), "nope.jpg")})
		assert.Equal(t, pipeline.StatusError, pctx.Status())
		assert.Equal(t, "failed", lastNode(pctx))
		assert.Equal(t, string(pipeline.FaultInput), pctx.GetString(pipeline.KeyErrorKind))
		assert.Equal(t, "load", pctx.GetString(pipeline.KeyErrorNode))
		assert.NotEmpty(t, pctx.Result())
	})
	t.Run("no input at all", func(t *testing.T) {
		pctx := engine(t, "vegan", handlers.Deps{}).Invoke(t.Context(), nil)
		assert.Equal(t, pipeline.StatusError, pctx.Status())
		assert.Equal(t, "start", pctx.GetString(pipeline.KeyErrorNode))
	})
	t.Run("malformed analysis", func(t *testing.T) {
		model := llmtest.New(
			llmtest.Reply("Does this photo show", "ingredients"),
			llmtest.Reply("Read the ingredient list", "water, gelatin"),
			llmtest.Reply("Classify this food", "Sorry, I cannot help with that."),
		)
		pctx := engine(t, "vegan", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{"image_path": photo(t)})
		assert.Equal(t, pipeline.StatusError, pctx.Status())
		assert.Equal(t, string(pipeline.FaultCollaborator), pctx.GetString(pipeline.KeyErrorKind))
		assert.Equal(t, "decode_analysis", pctx.GetString(pipeline.KeyErrorNode))
	})
	t.Run("model outage", func(t *testing.T) {
		model := llmtest.New(llmtest.Fail("", errors.New("connection refused")))
		pctx := engine(t, "vegan", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{"image_path": photo(t)})
		assert.Equal(t, pipeline.StatusError, pctx.Status())
		assert.Contains(t, pctx.Result(), "connection refused")
	})
}

func TestVeganRouterIsTotal(t *testing.T) {
	terminals := map[string]bool{"report": true, "unknown": true, "failed": true}
	for _, answer := range []string{"ingredients", "FOOD", "unknown", "", "42", `{"type": null}`, "성분표 사진입니다"} {
		model := llmtest.New(
			llmtest.Reply("Does this photo show", answer),
			llmtest.Reply("Read the ingredient list", "water"),
			llmtest.Reply("Name the dish", `{"food": "soup"}`),
			llmtest.Reply("Classify this food", `{"classification": "vegan"}`),
		)
		pctx := engine(t, "vegan", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{"image_path": photo(t)})
		assert.True(t, terminals[lastNode(pctx)], "answer %q ended at %q", answer, lastNode(pctx))
		assert.NotEmpty(t, pctx.Result(), "answer %q", answer)
		assert.Empty(t, pctx.Err(), "answer %q", answer)
	}
}

func TestVeganIsIdempotent(t *testing.T) {
	newModel := func() *llmtest.Model {
		return llmtest.New(
			llmtest.Reply("Does this photo show", "ingredients"),
			llmtest.Reply("Read the ingredient list", "water, sugar, gelatin"),
			llmtest.Reply("Classify this food", veganAnalysis),
		)
	}
	img := photo(t)
	first := engine(t, "vegan", handlers.Deps{Models: newModel()}).Invoke(t.Context(), map[string]any{"image_path": img})
	second := engine(t, "vegan", handlers.Deps{Models: newModel()}).Invoke(t.Context(), map[string]any{"image_path": img})
	assert.Equal(t, first.Result(), second.Result())
	assert.Equal(t, first.Trace(), second.Trace())
}

func TestVeganConcurrentInvocations(t *testing.T) {
	model := llmtest.New(
		llmtest.Reply("Does this photo show", "ingredients"),
		llmtest.Reply("Read the ingredient list", "water, sugar, gelatin"),
		llmtest.Reply("Classify this food", veganAnalysis),
	)
	eng := engine(t, "vegan", handlers.Deps{Models: model})
	img := photo(t)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = eng.Invoke(context.Background(), map[string]any{"image_path": img}).Result()
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.Contains(t, r, "gelatin")
	}
}

// ─── risk ─────────────────────────────────────────────────────────────────────

func TestRiskBranches(t *testing.T) {
	tests := []struct {
		assessment string
		terminal   string
		status     string
	}{
		{`{"risk": "high", "reason": "Every element is present."}`, "high", pipeline.StatusSuccess},
		{`{"risk": "애매", "reason": "The second element is unclear."}`, "ambiguous", pipeline.StatusSuccess},
		{"The risk is low because the product lacks the claimed hinge.", "low", pipeline.StatusSuccess},
		{"I cannot compare these documents.", "unknown", pipeline.StatusUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.terminal, func(t *testing.T) {
			model := llmtest.New(llmtest.Reply("Patent claim:", tc.assessment))
			pctx := engine(t, "risk", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{
				"claim":   "A folding chair comprising a hinge and a seat.",
				"product": "A stool with a fixed seat.",
			})
			assert.Equal(t, tc.terminal, lastNode(pctx))
			assert.Equal(t, tc.status, pctx.Status(), pctx.Result())
			assert.NotEmpty(t, pctx.Result())
		})
	}
}

// ─── qa ───────────────────────────────────────────────────────────────────────

func knowledgeIndex(t *testing.T) vectorstore.Index {
	t.Helper()
	ctx := t.Context()
	idx := vectorstore.NewMemory()
	require.NoError(t, idx.CreateCollection(ctx, "knowledge", 4))
	emb := hashEmbedder{}
	for id, text := range map[string]string{
		"additives": "Gelatin is produced from animal collagen.",
		"grains":    "Bulgur is cracked wheat.",
	} {
		vec, err := emb.Embed(ctx, embedding.Input{Text: text})
		require.NoError(t, err)
		require.NoError(t, idx.Upsert(ctx, "knowledge", vectorstore.Record{
			ID: id, Vector: vec, Metadata: map[string]string{"title": id, "text": text},
		}))
	}
	return idx
}

func TestQARetrievalBranch(t *testing.T) {
	model := llmtest.New(
		llmtest.Reply("Does answering this question need", `{"need_search": "yes"}`),
		llmtest.Reply("Proposed answer:", `{"verdict": "yes"}`),
		llmtest.Reply("Answer concisely.", "Gelatin comes from animal collagen."),
	)
	deps := handlers.Deps{Models: model, Embedder: hashEmbedder{}, Index: knowledgeIndex(t)}
	pctx := engine(t, "qa", deps).Invoke(t.Context(), map[string]any{"question": "Where does gelatin come from?"})

	assert.Equal(t, pipeline.StatusSuccess, pctx.Status(), pctx.Result())
	assert.Contains(t, pctx.Result(), "animal collagen")
	assert.Contains(t, pctx.Result(), "Sources:")
	assert.Contains(t, pctx.Trace(), "search")

	reqs := model.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, llmtest.Prompt(reqs[1]), "Gelatin is produced from animal collagen.", "passages reach the generator")
}

func TestQADirectBranch(t *testing.T) {
	model := llmtest.New(
		llmtest.Reply("Does answering this question need", "no"),
		llmtest.Reply("Proposed answer:", `{"verdict": "no", "feedback": "too vague"}`),
		llmtest.Reply("Answer concisely.", "Paris."),
	)
	pctx := engine(t, "qa", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{"question": "What is the capital of France?"})

	assert.Equal(t, pipeline.StatusPartial, pctx.Status())
	assert.Contains(t, pctx.Result(), "could not be verified after 3 attempts")
	assert.NotContains(t, pctx.Trace(), "search")
	assert.Equal(t, 3, pctx.Snapshot()["answer_attempts"])
}

func TestQAUnclear(t *testing.T) {
	for _, answer := range []string{"It depends.", "네트워크 설정에 관한 질문이네요."} {
		t.Run(answer, func(t *testing.T) {
			model := llmtest.New(llmtest.Reply("Does answering this question need", answer))
			pctx := engine(t, "qa", handlers.Deps{Models: model}).Invoke(t.Context(), map[string]any{"question": "Why?"})
			assert.Equal(t, "unclear", lastNode(pctx))
			assert.Equal(t, pipeline.StatusUnknown, pctx.Status())
			assert.Equal(t, `I could not tell how to answer "Why?". Please rephrase the question.`, pctx.Result())
		})
	}
}

func TestQAMissingCollection(t *testing.T) {
	model := llmtest.New(llmtest.Reply("Does answering this question need", "yes"))
	deps := handlers.Deps{Models: model, Embedder: hashEmbedder{}, Index: vectorstore.NewMemory()}
	pctx := engine(t, "qa", deps).Invoke(t.Context(), map[string]any{"question": "Where does gelatin come from?"})
	assert.Equal(t, "failed", lastNode(pctx))
	assert.Equal(t, string(pipeline.FaultCollaborator), pctx.GetString(pipeline.KeyErrorKind))
	assert.Contains(t, pctx.Err(), "collection not found")
}

// ─── fashion ──────────────────────────────────────────────────────────────────

func TestFashionRecommendation(t *testing.T) {
	ctx := t.Context()
	idx := vectorstore.NewMemory()
	require.NoError(t, idx.CreateCollection(ctx, "celeb_fashion", 4))
	require.NoError(t, idx.Upsert(ctx, "celeb_fashion",
		vectorstore.Record{ID: "celeb-1", Vector: []float32{0.5, 0.5, 0.5, 0.5}, Metadata: map[string]string{"name": "Airport Casual"}},
		vectorstore.Record{ID: "celeb-2", Vector: []float32{0, 0, 0, 1}},
	))
	model := llmtest.New(llmtest.Reply("celebrity looks are the most similar", "- Roll the sleeves\n- Add loafers\n- Keep it neutral"))

	pctx := engine(t, "fashion", handlers.Deps{Models: model, Embedder: hashEmbedder{}, Index: idx}).
		Invoke(ctx, map[string]any{"image_path": photo(t)})

	assert.Equal(t, pipeline.StatusSuccess, pctx.Status(), pctx.Result())
	assert.Contains(t, pctx.Result(), "Add loafers")
	assert.Contains(t, pctx.Result(), "Similar looks:")
	assert.Contains(t, pctx.Result(), "Airport Casual")
	assert.Contains(t, llmtest.Prompt(model.Requests()[0]), "Airport Casual")
}

func TestFashionDegrades(t *testing.T) {
	ctx := t.Context()
	idx := vectorstore.NewMemory()
	require.NoError(t, idx.CreateCollection(ctx, "celeb_fashion", 4))

	t.Run("empty collection", func(t *testing.T) {
		model := llmtest.New()
		pctx := engine(t, "fashion", handlers.Deps{Models: model, Embedder: hashEmbedder{}, Index: idx}).
			Invoke(ctx, map[string]any{"image_path": photo(t)})
		assert.Equal(t, pipeline.StatusPartial, pctx.Status())
		assert.Contains(t, pctx.Result(), "No similar looks")
		assert.Empty(t, model.Requests())
	})

	t.Run("stylist fails", func(t *testing.T) {
		require.NoError(t, idx.Upsert(ctx, "celeb_fashion", vectorstore.Record{ID: "celeb-9", Vector: []float32{1, 0, 0, 0}}))
		model := llmtest.New(llmtest.Fail("", errors.New("overloaded")))
		pctx := engine(t, "fashion", handlers.Deps{Models: model, Embedder: hashEmbedder{}, Index: idx}).
			Invoke(ctx, map[string]any{"image_path": photo(t)})
		assert.Equal(t, "failed", lastNode(pctx))
		assert.Equal(t, pipeline.StatusPartial, pctx.Status())
		assert.Contains(t, pctx.Result(), "celeb-9")
	})

	t.Run("no index", func(t *testing.T) {
		pctx := engine(t, "fashion", handlers.Deps{Embedder: hashEmbedder{}}).
			Invoke(ctx, map[string]any{"image_path": photo(t)})
		assert.Equal(t, pipeline.StatusError, pctx.Status())
		assert.Equal(t, "search", pctx.GetString(pipeline.KeyErrorNode))
	})
}

// ─── catalog ──────────────────────────────────────────────────────────────────

func TestCatalogDirShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	custom := `digraph vegan { start [type=start]; done [type=exit, template="custom"]; start -> done }`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vegan.dot"), []byte(custom), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.dot"), []byte(`digraph { start [type=start]; done [type=exit]; start -> done }`), 0o644))

	c := flows.NewCatalog(dir)
	names, err := c.Names()
	require.NoError(t, err)
	assert.True(t, slices.Contains(names, "hello"))
	assert.True(t, slices.Contains(names, "risk"))

	p, err := c.Load("vegan")
	require.NoError(t, err)
	assert.Len(t, p.Nodes, 2)

	p, err = c.Load("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Name)
}

func TestCatalogResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.dot")
	require.NoError(t, os.WriteFile(path, []byte(`digraph { start [type=start]; done [type=exit]; start -> done }`), 0o644))

	p, err := flows.Builtin.Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny", p.Name)

	p, err = flows.Builtin.Resolve("risk")
	require.NoError(t, err)
	assert.Equal(t, "risk", p.Name)

	for _, bad := range []string{"nope", "../vegan", ".hidden", ""} {
		_, err := flows.Builtin.Load(bad)
		assert.ErrorIs(t, err, flows.ErrUnknownFlow, bad)
	}
}
