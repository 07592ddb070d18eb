package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ravi-parthasarathy/inferflow/pkg/embedding"
	"github.com/ravi-parthasarathy/inferflow/pkg/flows"
	"github.com/ravi-parthasarathy/inferflow/pkg/llm/llmtest"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/inferflow/pkg/vectorstore"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// ─── TestWriteOutputContext ───────────────────────────────────────────────────

func TestWriteOutputContext_WritesJSON(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "ctx.json")

	pctx := pipeline.NewPipelineContext()
	pctx.Set("greeting", "hello")
	pctx.Set("count", "42")
	pctx.Set("image_path", []byte("raw image bytes"))

	if err := writeOutputContext(out, pctx); err != nil {
		t.Fatalf("writeOutputContext: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["greeting"] != "hello" {
		t.Errorf("greeting = %v, want hello", got["greeting"])
	}
	if got["count"] != "42" {
		t.Errorf("count = %v, want 42", got["count"])
	}
	if got["image_path"] != "<15 bytes>" {
		t.Errorf("image_path = %v, want a byte summary", got["image_path"])
	}
}

func TestWriteOutputContext_NoOp(t *testing.T) {
	// An empty path must be a no-op with no error.
	pctx := pipeline.NewPipelineContext()
	if err := writeOutputContext("", pctx); err != nil {
		t.Fatalf("expected no error for empty path, got: %v", err)
	}
}

func TestWriteOutputContext_BadPath(t *testing.T) {
	// Writing to a non-existent directory should return an error.
	pctx := pipeline.NewPipelineContext()
	err := writeOutputContext("/nonexistent/dir/ctx.json", pctx)
	if err == nil {
		t.Fatal("expected error writing to bad path")
	}
}

// ─── TestInitLogger ───────────────────────────────────────────────────────────

func TestInitLogger_ValidLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "DEBUG", "INFO"} {
		if err := initLogger(lvl, "text"); err != nil {
			t.Errorf("initLogger(%q, text): unexpected error: %v", lvl, err)
		}
	}
}

func TestInitLogger_ValidFormats(t *testing.T) {
	for _, f := range []string{"text", "json", "TEXT", "JSON"} {
		if err := initLogger("info", f); err != nil {
			t.Errorf("initLogger(info, %q): unexpected error: %v", f, err)
		}
	}
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	if err := initLogger("verbose", "text"); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestInitLogger_InvalidFormat(t *testing.T) {
	if err := initLogger("info", "xml"); err == nil {
		t.Fatal("expected error for unknown log format")
	}
}

// ─── TestParseInputs ──────────────────────────────────────────────────────────

func TestParseInputs(t *testing.T) {
	got, err := parseInputs([]string{"claim=A chair", "product=a=b", "empty="})
	if err != nil {
		t.Fatalf("parseInputs: %v", err)
	}
	want := map[string]any{"claim": "A chair", "product": "a=b", "empty": ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseInputs = %v, want %v", got, want)
	}

	for _, bad := range [][]string{{"novalue"}, {"=x"}, {"a=1", "a=2"}} {
		if _, err := parseInputs(bad); err == nil {
			t.Errorf("parseInputs(%q): expected error", bad)
		}
	}
}

// ─── TestLintPipeline ─────────────────────────────────────────────────────────

func TestLintPipeline_Builtins(t *testing.T) {
	names, err := flows.Builtin.Names()
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		p, err := flows.Builtin.Load(name)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if problems := lintPipeline(p); len(problems) > 0 {
			t.Errorf("flow %s: %v", name, problems)
		}
	}
}

func TestLintPipeline_UnknownStepAndAssembler(t *testing.T) {
	p, err := pipeline.ParseDOT(`digraph g {
		start [type=start]
		fetch [type=http_get]
		done  [type=exit, assembler="horoscope"]
		start -> fetch -> done
	}`)
	if err != nil {
		t.Fatal(err)
	}
	problems := strings.Join(lintPipeline(p), "\n")
	if !strings.Contains(problems, `"http_get"`) {
		t.Errorf("missing unknown step type in %q", problems)
	}
	if !strings.Contains(problems, `unknown assembler "horoscope"`) {
		t.Errorf("missing unknown assembler in %q", problems)
	}
}

// ─── TestRenderDOT ────────────────────────────────────────────────────────────

func TestRenderDOT_RoundTrips(t *testing.T) {
	names, _ := flows.Builtin.Names()
	for _, name := range names {
		p, err := flows.Builtin.Load(name)
		if err != nil {
			t.Fatal(err)
		}
		back, err := pipeline.ParseDOT(renderDOT(p))
		if err != nil {
			t.Fatalf("%s: reparse rendered DOT: %v\n%s", name, err, renderDOT(p))
		}
		if !reflect.DeepEqual(back.Nodes, p.Nodes) {
			t.Errorf("%s: nodes differ after round trip", name)
		}
		if !reflect.DeepEqual(back.Edges, p.Edges) {
			t.Errorf("%s: edges differ after round trip", name)
		}
		if back.Attr("error_exit") != p.Attr("error_exit") {
			t.Errorf("%s: error_exit = %q, want %q", name, back.Attr("error_exit"), p.Attr("error_exit"))
		}
	}
}

func TestRenderText(t *testing.T) {
	p, err := flows.Builtin.Load("risk")
	if err != nil {
		t.Fatal(err)
	}
	out := renderText(p)
	for _, want := range []string{"Pipeline: risk", "Error terminal: failed", "classify", "ambiguous", "(default)"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderText missing %q:\n%s", want, out)
		}
	}
}

// ─── TestServer ───────────────────────────────────────────────────────────────

func testServer(t *testing.T, models *llmtest.Model) http.Handler {
	t.Helper()
	collab := &collaborators{deps: handlers.Deps{Models: models}}
	engines, err := buildEngines(&globalOpts{catalog: flows.Builtin}, collab)
	if err != nil {
		t.Fatalf("buildEngines: %v", err)
	}
	app := newServer(engines, 5*time.Second, 1)
	return fiberHandler{app: app, t: t}
}

// fiberHandler adapts app.Test to http.Handler so tests read like
// ordinary httptest code.
type fiberHandler struct {
	app interface {
		Test(req *http.Request, msTimeout ...int) (*http.Response, error)
	}
	t *testing.T
}

func (h fiberHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := h.app.Test(r, -1)
	if err != nil {
		h.t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && strings.HasPrefix(rec.Body.String(), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestServer_HealthAndFlows(t *testing.T) {
	h := testServer(t, llmtest.New())

	rec, body := do(t, h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", rec.Code, body)
	}

	rec, _ = do(t, h, httptest.NewRequest(http.MethodGet, "/v1/flows", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("flows status = %d", rec.Code)
	}
	var list []flowInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range list {
		names = append(names, f.Name)
	}
	if want := []string{"fashion", "qa", "risk", "vegan"}; !reflect.DeepEqual(names, want) {
		t.Errorf("flows = %v, want %v", names, want)
	}
}

func TestServer_InvokeJSON(t *testing.T) {
	h := testServer(t, llmtest.New(llmtest.Reply("Patent claim:", `{"risk": "low", "reason": "No hinge."}`)))

	req := httptest.NewRequest(http.MethodPost, "/v1/flows/risk/invoke",
		strings.NewReader(`{"input": {"claim": "A chair with a hinge.", "product": "A stool."}}`))
	req.Header.Set("Content-Type", "application/json")
	rec, body := do(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["status"] != pipeline.StatusSuccess || body["terminal"] != "low" {
		t.Errorf("response = %v", body)
	}
	if !strings.Contains(body["result"].(string), "LOW") {
		t.Errorf("result = %q", body["result"])
	}
	if body["run_id"] == "" {
		t.Error("run_id not set")
	}
	for _, key := range []string{"started_at", "ended_at"} {
		if s, _ := body[key].(string); s == "" {
			t.Errorf("%s missing from %v", key, body)
		}
	}
}

func TestServer_InvokeFaultIsStillAnAnswer(t *testing.T) {
	h := testServer(t, llmtest.New())

	req := httptest.NewRequest(http.MethodPost, "/v1/flows/risk/invoke", strings.NewReader(`{"input": {}}`))
	req.Header.Set("Content-Type", "application/json")
	rec, body := do(t, h, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != pipeline.StatusError || body["error_kind"] != string(pipeline.FaultInput) {
		t.Errorf("response = %v", body)
	}
	if body["result"] == "" {
		t.Error("empty result")
	}
}

func TestServer_InvokeImage(t *testing.T) {
	script := func() *llmtest.Model {
		return llmtest.New(
			llmtest.Reply("Does this photo show", "ingredients"),
			llmtest.Reply("Read the ingredient list", "water, sugar, gelatin"),
			llmtest.Reply("Classify this food", `{"classification": "not suitable for vegetarians", "contains": ["gelatin"]}`),
		)
	}

	t.Run("multipart", func(t *testing.T) {
		h := testServer(t, script())
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("image", "label.png")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(pngHeader)
		_ = mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/v1/flows/vegan/invoke", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec, body := do(t, h, req)
		if rec.Code != http.StatusOK || body["status"] != pipeline.StatusSuccess {
			t.Fatalf("response = %d %v", rec.Code, body)
		}
		if !strings.Contains(body["result"].(string), "gelatin") {
			t.Errorf("result = %q", body["result"])
		}
	})

	t.Run("base64", func(t *testing.T) {
		h := testServer(t, script())
		payload, _ := json.Marshal(invokeRequest{Image: base64.StdEncoding.EncodeToString(pngHeader)})
		req := httptest.NewRequest(http.MethodPost, "/v1/flows/vegan/invoke", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		rec, body := do(t, h, req)
		if rec.Code != http.StatusOK || body["status"] != pipeline.StatusSuccess {
			t.Fatalf("response = %d %v", rec.Code, body)
		}
	})
}

func TestServer_BadRequests(t *testing.T) {
	h := testServer(t, llmtest.New())

	req := httptest.NewRequest(http.MethodPost, "/v1/flows/horoscope/invoke", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if rec, body := do(t, h, req); rec.Code != http.StatusNotFound || body["error"] == nil {
		t.Errorf("unknown flow = %d %v", rec.Code, body)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/flows/risk/invoke", strings.NewReader(`{"input": `))
	req.Header.Set("Content-Type", "application/json")
	if rec, _ := do(t, h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/flows/vegan/invoke", strings.NewReader(`{"image": "***"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec, _ := do(t, h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("bad base64 = %d", rec.Code)
	}

	// Server-side files must never be read on a client's behalf.
	req = httptest.NewRequest(http.MethodPost, "/v1/flows/vegan/invoke", strings.NewReader(`{"input": {"image_path": "/etc/hostname"}}`))
	req.Header.Set("Content-Type", "application/json")
	rec, body := do(t, h, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("image_path in JSON input = %d %v", rec.Code, body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "image_path") || strings.Contains(msg, "text/plain") {
		t.Errorf("error = %q", msg)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("image_path", "/etc/hostname"); err != nil {
		t.Fatal(err)
	}
	mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/v1/flows/vegan/invoke", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec, body := do(t, h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("image_path form field = %d %v", rec.Code, body)
	}
}

// ─── TestIndex ────────────────────────────────────────────────────────────────

type countingEmbedder struct {
	calls atomic.Int32
	fail  string
}

func (e *countingEmbedder) Model() string { return "counting" }

func (e *countingEmbedder) Embed(_ context.Context, in embedding.Input) ([]float32, error) {
	e.calls.Add(1)
	if in.Text != "" && in.Text == e.fail {
		return nil, errors.New("embedding service unavailable")
	}
	n := len(in.Text) + len(in.Image)
	return []float32{float32(n), 1}, nil
}

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `[
		{"id": "a", "text": "Gelatin is produced from animal collagen.", "metadata": {"title": "Additives"}},
		{"id": "b", "image": "looks/b.png"}
	]`)

	items, err := loadManifest(path)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if want := filepath.Join(dir, "looks", "b.png"); items[1].Image != want {
		t.Errorf("image path = %q, want %q", items[1].Image, want)
	}

	for name, bad := range map[string]string{
		"missing id":   `[{"text": "x"}]`,
		"duplicate id": `[{"id": "a", "text": "x"}, {"id": "a", "text": "y"}]`,
		"both kinds":   `[{"id": "a", "text": "x", "image": "y.png"}]`,
		"neither kind": `[{"id": "a"}]`,
		"empty":        `[]`,
		"not json":     `{`,
	} {
		if _, err := loadManifest(writeManifest(t, t.TempDir(), bad)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadManifest_Directory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"celeb-1.png", "celeb-2.JPG", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), pngHeader, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	items, err := loadManifest(dir)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if len(items) != 2 || items[0].ID != "celeb-1" || items[1].Metadata["name"] != "celeb-2" {
		t.Errorf("items = %+v", items)
	}

	if _, err := loadManifest(t.TempDir()); err == nil {
		t.Error("expected error for a directory without images")
	}
}

func TestIndexItems(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "look.png"), pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	items := []indexItem{
		{ID: "additives", Text: "Gelatin is produced from animal collagen.", Metadata: map[string]string{"title": "Additives"}},
		{ID: "grains", Text: "Bulgur is cracked wheat."},
		{ID: "look", Image: filepath.Join(dir, "look.png")},
	}
	emb := &countingEmbedder{}
	idx := vectorstore.NewMemory()

	n, err := indexItems(ctx, emb, idx, "knowledge", items, 2)
	if err != nil {
		t.Fatalf("indexItems: %v", err)
	}
	if n != 3 || emb.calls.Load() != 3 {
		t.Errorf("indexed %d with %d calls, want 3 and 3", n, emb.calls.Load())
	}
	if count, _ := idx.Count(ctx, "knowledge"); count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	matches, err := idx.Query(ctx, "knowledge", []float32{float32(len(items[1].Text)), 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if matches[0].ID != "grains" || matches[0].Metadata["text"] != items[1].Text {
		t.Errorf("nearest = %+v", matches[0])
	}

	// Re-indexing upserts rather than duplicating.
	if _, err := indexItems(ctx, emb, idx, "knowledge", items[:1], 1); err != nil {
		t.Fatal(err)
	}
	if count, _ := idx.Count(ctx, "knowledge"); count != 3 {
		t.Errorf("count after re-index = %d, want 3", count)
	}
}

func TestIndexItems_EmbedFailure(t *testing.T) {
	emb := &countingEmbedder{fail: "bad"}
	idx := vectorstore.NewMemory()
	items := []indexItem{{ID: "ok", Text: "fine"}, {ID: "broken", Text: "bad"}}

	_, err := indexItems(t.Context(), emb, idx, "knowledge", items, 4)
	if err == nil || !strings.Contains(err.Error(), `embed "broken"`) {
		t.Fatalf("err = %v, want embed failure for broken", err)
	}
	if _, err := idx.Count(t.Context(), "knowledge"); !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		t.Errorf("collection created despite failure: %v", err)
	}
}
