package tools

import (
	"net/http"
	"time"

	"github.com/kalambet/taskmind/internal/capability"
	"github.com/kalambet/taskmind/internal/engine"
	"github.com/kalambet/taskmind/internal/resilience"
)

// Names of the built-in tools.
const (
	NameLLM        = "llm"
	NameWebSearch  = "web_search"
	NameWebFetch   = "web_fetch"
	NamePython     = "python"
	NameJavaScript = "javascript"
	NameSQL        = "sql"
	NameExport     = "export"
	NameRecall     = "recall"
	NameRemember   = "remember"
)

// Deps carries what the built-in tools need. Nil Search or Memory leaves
// the corresponding tools unregistered.
type Deps struct {
	Engine       engine.Engine
	Model        string
	WindowTokens int
	Search       Searcher
	Reranker     Reranker
	Documents    DocumentLookup
	Memory       MemoryStore
	Caps         capability.Capabilities
	Features     *resilience.Features
	HTTPClient   *http.Client
	RunTimeout   time.Duration
	RunBudget    *resilience.TimeoutBudget
	Now          func() time.Time
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry, d Deps) {
	if d.Features == nil {
		d.Features = resilience.NewFeatures(nil)
	}
	if d.Caps.OutputDir != "" && !d.Caps.OutputWritable {
		d.Features.Disable(FeatureExportFiles, "output directory not writable")
	}

	r.Register(NameLLM, LLM{Engine: d.Engine, Model: d.Model, WindowTokens: d.WindowTokens}.Call)
	if d.Search != nil {
		r.Register(NameWebSearch, Research{
			Search:    d.Search,
			Rerank:    d.Reranker,
			Documents: d.Documents,
			Engine:    d.Engine,
			Model:     d.Model,
		}.Call)
	}
	r.Register(NameWebFetch, Fetch{Client: d.HTTPClient}.Call)

	runner := Runner{Caps: d.Caps, Features: d.Features, Timeout: d.RunTimeout, Budget: d.RunBudget}
	r.Register(NamePython, runner.Python)
	r.Register(NameJavaScript, runner.JavaScript)
	r.Register(NameSQL, SQL{}.Call)

	r.Register(NameExport, Exporter{Dir: d.Caps.OutputDir, Features: d.Features, Now: d.Now}.Call)

	if d.Memory != nil {
		m := Memory{Store: d.Memory}
		r.Register(NameRecall, m.Recall)
		r.Register(NameRemember, m.Remember)
	}
}
