// Package orchestrator implements the Context Orchestrator: the single
// stateless entry point the RPC dispatcher calls, resolving project
// identifiers, routing to the appropriate tier, and composing envelopes
// that preserve the authority hierarchy (spec §4.5).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/config"
	"github.com/kittclouds/memtiers/internal/engine"
	"github.com/kittclouds/memtiers/internal/episodic"
	"github.com/kittclouds/memtiers/internal/extractor"
	"github.com/kittclouds/memtiers/internal/policy"
	"github.com/kittclouds/memtiers/internal/registry"
	"github.com/kittclouds/memtiers/internal/semantic"
	"github.com/kittclouds/memtiers/internal/symbolic"
)

// ContextType selects which tiers get_context populates.
type ContextType string

const (
	ContextAll      ContextType = "all"
	ContextSymbolic ContextType = "symbolic"
	ContextEpisodic ContextType = "episodic"
	ContextSemantic ContextType = "semantic"
)

// MemoryType selects which tiers search scans.
type MemoryType string

const (
	MemoryAll      MemoryType = "all"
	MemorySymbolic MemoryType = "symbolic"
	MemoryEpisodic MemoryType = "episodic"
	MemorySemantic MemoryType = "semantic"
)

// Orchestrator is the Context Orchestrator. It holds no per-request
// state; every field is either immutable after construction or itself
// concurrency-safe (the Engine).
type Orchestrator struct {
	eng        *engine.Engine
	directives *policy.Scanner
	weights    config.RankingWeights
	logger     *zap.Logger
}

// New builds an Orchestrator over an already-constructed Engine.
func New(eng *engine.Engine) (*Orchestrator, error) {
	directives, err := policy.DirectiveScanner()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		eng:        eng,
		directives: directives,
		weights:    eng.Config().RankingWeights,
		logger:     eng.Logger(),
	}, nil
}

// resolve turns a caller-supplied project name or id into a project_id,
// the first step every operation performs (spec §4.5).
func (o *Orchestrator) resolve(ctx context.Context, nameOrID string) (string, error) {
	p, err := o.eng.Registry().Resolve(ctx, nameOrID)
	if err != nil {
		return "", err
	}
	return p.ProjectID, nil
}

// ProjectSummary is one entry of list_projects.
type ProjectSummary struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// ListProjects implements spec §4.5 operation 1.
func (o *Orchestrator) ListProjects(ctx context.Context, statusFilter string) ([]ProjectSummary, error) {
	projects, err := o.eng.Registry().List(ctx, registry.Status(statusFilter))
	if err != nil {
		return nil, err
	}
	out := make([]ProjectSummary, len(projects))
	for i, p := range projects {
		out[i] = ProjectSummary{ProjectID: p.ProjectID, Name: p.Name, Status: string(p.Status)}
	}
	return out, nil
}

// SourceSummary is one entry of list_sources.
type SourceSummary struct {
	SourcePath   string `json:"source_path"`
	ContentType  string `json:"content_type"`
	ChunkCount   int    `json:"chunk_count"`
	LastIngested int64  `json:"last_ingested"`
}

// ListSources implements spec §4.5 operation 2.
func (o *Orchestrator) ListSources(ctx context.Context, projectNameOrID string, contentType string) ([]SourceSummary, error) {
	projectID, err := o.resolve(ctx, projectNameOrID)
	if err != nil {
		return nil, err
	}
	sem, err := o.eng.Semantic(ctx, projectID)
	if err != nil {
		return nil, err
	}
	docs, err := sem.ListSources(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]SourceSummary, 0, len(docs))
	for _, d := range docs {
		if contentType != "" && string(d.ContentType) != contentType {
			continue
		}
		out = append(out, SourceSummary{
			SourcePath:   d.SourcePath,
			ContentType:  string(d.ContentType),
			ChunkCount:   d.ChunkCount,
			LastIngested: d.IngestedAt,
		})
	}
	return out, nil
}

// GetContext implements spec §4.5 operation 3: an envelope with up to
// three sections, always symbolic -> episodic -> semantic, never
// interleaved. Per-tier failures degrade only that section.
func (o *Orchestrator) GetContext(ctx context.Context, projectNameOrID string, contextType ContextType, query, trigger string, maxResults int) (*ContextEnvelope, error) {
	projectID, err := o.resolve(ctx, projectNameOrID)
	if err != nil {
		return nil, err
	}

	env := &ContextEnvelope{}
	var degraded []string
	var mu sync.Mutex

	markDegraded := func(tier string) {
		mu.Lock()
		defer mu.Unlock()
		degraded = append(degraded, tier)
	}

	g, gctx := errgroup.WithContext(ctx)

	wantSymbolic := contextType == ContextAll || contextType == ContextSymbolic
	wantEpisodic := contextType == ContextAll || contextType == ContextEpisodic
	wantSemantic := (contextType == ContextAll || contextType == ContextSemantic) && query != ""

	if wantSymbolic {
		g.Go(func() error {
			sym, err := o.eng.Symbolic(gctx, projectID)
			if err != nil {
				markDegraded("symbolic")
				return nil
			}
			facts, err := sym.List(gctx, projectID)
			if err != nil {
				markDegraded("symbolic")
				return nil
			}
			mu.Lock()
			env.Symbolic = projectFacts(facts, maxResults)
			mu.Unlock()
			return nil
		})
	}

	if wantEpisodic {
		g.Go(func() error {
			epi, err := o.eng.Episodic(gctx, projectID)
			if err != nil {
				markDegraded("episodic")
				return nil
			}
			episodes, err := epi.Query(gctx, projectID, episodic.QueryFilters{Limit: maxResults})
			if err != nil {
				markDegraded("episodic")
				return nil
			}
			mu.Lock()
			env.EpisodicBanner = episodicBanner
			env.Episodic = projectEpisodes(episodes)
			mu.Unlock()
			return nil
		})
	}

	if wantSemantic {
		if !semantic.ValidTrigger(trigger) {
			return nil, apperr.New(apperr.KindInvalidTrigger, "trigger %q is not a recognized retrieval trigger", trigger)
		}
		g.Go(func() error {
			sem, err := o.eng.Semantic(gctx, projectID)
			if err != nil {
				markDegraded("semantic")
				return nil
			}
			results, tierDegraded, err := sem.Retrieve(gctx, projectID, query, maxResults, semantic.RetrieveFilters{}, o.eng.Config().IncludeRecency, semanticWeights(o.weights))
			if err != nil {
				markDegraded("semantic")
				return nil
			}
			if tierDegraded {
				markDegraded("semantic")
			}
			mu.Lock()
			env.SemanticBanner = semanticBanner
			env.SemanticDisclaimer = disclaimer
			env.Semantic = o.projectChunks(results)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	env.DegradedTiers = degraded
	return env, nil
}

// Search implements spec §4.5 operation 4: a single ranked list,
// authority-preserving concatenation of symbolic, then episodic, then
// semantic hits — the tiers are never interleaved.
func (o *Orchestrator) Search(ctx context.Context, projectNameOrID, query string, memoryType MemoryType, trigger string, topK int) ([]SearchResult, []string, error) {
	projectID, err := o.resolve(ctx, projectNameOrID)
	if err != nil {
		return nil, nil, err
	}

	var results []SearchResult
	var degraded []string

	if memoryType == MemoryAll || memoryType == MemorySymbolic {
		sym, err := o.eng.Symbolic(ctx, projectID)
		if err != nil {
			degraded = append(degraded, "symbolic")
		} else {
			facts, err := sym.QueryFullText(ctx, projectID, query)
			if err != nil {
				degraded = append(degraded, "symbolic")
			} else {
				for _, item := range projectFacts(facts, topK) {
					item := item
					results = append(results, SearchResult{Type: "symbolic", Authority: AuthorityAuthoritative, Symbolic: &item})
				}
			}
		}
	}

	if memoryType == MemoryAll || memoryType == MemoryEpisodic {
		epi, err := o.eng.Episodic(ctx, projectID)
		if err != nil {
			degraded = append(degraded, "episodic")
		} else {
			episodes, err := epi.QueryFullText(ctx, projectID, query)
			if err != nil {
				degraded = append(degraded, "episodic")
			} else {
				if topK > 0 && len(episodes) > topK {
					episodes = episodes[:topK]
				}
				for _, item := range projectEpisodes(episodes) {
					item := item
					results = append(results, SearchResult{Type: "episodic", Authority: AuthorityAdvisory, Episodic: &item})
				}
			}
		}
	}

	if memoryType == MemoryAll || memoryType == MemorySemantic {
		if !semantic.ValidTrigger(trigger) {
			return nil, nil, apperr.New(apperr.KindInvalidTrigger, "trigger %q is not a recognized retrieval trigger", trigger)
		}
		sem, err := o.eng.Semantic(ctx, projectID)
		if err != nil {
			degraded = append(degraded, "semantic")
		} else {
			chunks, tierDegraded, err := sem.Retrieve(ctx, projectID, query, topK, semantic.RetrieveFilters{}, o.eng.Config().IncludeRecency, semanticWeights(o.weights))
			if err != nil {
				degraded = append(degraded, "semantic")
			} else {
				if tierDegraded {
					degraded = append(degraded, "semantic")
				}
				for _, item := range o.projectChunks(chunks) {
					item := item
					results = append(results, SearchResult{Type: "semantic", Authority: AuthorityNonAuthoritative, Semantic: &item})
				}
			}
		}
	}

	return results, degraded, nil
}

// IngestFile implements spec §4.5 operation 5: reads source_path off
// disk and delegates to the Semantic Store.
func (o *Orchestrator) IngestFile(ctx context.Context, projectNameOrID, path string, contentType semantic.ContentType, metadataKind string, metadata map[string]any) (*semantic.IngestResult, error) {
	content, err := readSource(path)
	if err != nil {
		return nil, err
	}
	return o.IngestFileContent(ctx, projectNameOrID, path, content, contentType, metadataKind, metadata)
}

// IngestFileContent is IngestFile with the source content supplied
// directly, skipping the filesystem read (used by callers that already
// hold the content, and by tests).
func (o *Orchestrator) IngestFileContent(ctx context.Context, projectNameOrID, sourcePath, content string, contentType semantic.ContentType, metadataKind string, metadata map[string]any) (*semantic.IngestResult, error) {
	projectID, err := o.resolve(ctx, projectNameOrID)
	if err != nil {
		return nil, err
	}
	sem, err := o.eng.Semantic(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cfg := o.eng.Config()
	return sem.Ingest(ctx, projectID, sourcePath, content, contentType, metadataKind, metadata, cfg.ChunkSize, cfg.ChunkOverlap)
}

// AddFact implements spec §4.5 operation 6: delegates to the Symbolic
// Store.
func (o *Orchestrator) AddFact(ctx context.Context, projectNameOrID, key string, value json.RawMessage, confidence float64, category symbolic.Category, source symbolic.Source) (*symbolic.Fact, error) {
	projectID, err := o.resolve(ctx, projectNameOrID)
	if err != nil {
		return nil, err
	}
	sym, err := o.eng.Symbolic(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return sym.Store(ctx, &symbolic.Fact{
		ProjectID: projectID, Key: key, Value: value,
		Confidence: confidence, Category: category, Source: source,
	})
}

// AddEpisode implements spec §4.5 operation 7: delegates to the
// Episodic Store.
func (o *Orchestrator) AddEpisode(ctx context.Context, projectNameOrID, situation, action, outcome, lesson string, confidence float64) (*episodic.Episode, error) {
	projectID, err := o.resolve(ctx, projectNameOrID)
	if err != nil {
		return nil, err
	}
	epi, err := o.eng.Episodic(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return epi.Store(ctx, &episodic.Episode{
		ProjectID: projectID, Situation: situation, Action: action,
		Outcome: outcome, Lesson: lesson, Confidence: confidence,
	})
}

// MaybeExtractEpisode calls the optional LLM Extractor and, if it
// qualifies a lesson, stores it via AddEpisode. It never fails the
// caller's flow: extractor errors are logged and swallowed, consistent
// with the Extractor being an external collaborator outside the core
// (spec §1, §6).
func (o *Orchestrator) MaybeExtractEpisode(ctx context.Context, projectNameOrID, situation, action, outcome string) (*episodic.Episode, error) {
	ep, ok, err := o.eng.Extractor().Extract(ctx, situation, action, outcome)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("episode extraction failed", zap.Error(err))
		}
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	if _, ok := o.eng.Extractor().(extractor.Noop); ok {
		return nil, nil
	}
	return o.AddEpisode(ctx, projectNameOrID, situation, action, outcome, ep.Lesson, ep.Confidence)
}

func projectFacts(facts []*symbolic.Fact, limit int) []SymbolicItem {
	if limit > 0 && len(facts) > limit {
		facts = facts[:limit]
	}
	out := make([]SymbolicItem, len(facts))
	for i, f := range facts {
		out[i] = SymbolicItem{
			Authority: AuthorityAuthoritative, FactID: f.ID, Key: f.Key,
			Value: string(f.Value), Category: string(f.Category), Confidence: f.Confidence,
		}
	}
	return out
}

func projectEpisodes(episodes []*episodic.Episode) []EpisodicItem {
	out := make([]EpisodicItem, len(episodes))
	for i, e := range episodes {
		out[i] = EpisodicItem{Authority: AuthorityAdvisory, EpisodeID: e.ID, Lesson: e.Lesson, Confidence: e.Confidence}
	}
	return out
}

// projectChunks applies content-neutralization to each retrieved
// chunk's content before it enters the envelope (spec §4.5).
func (o *Orchestrator) projectChunks(chunks []semantic.RetrievedChunk) []SemanticItem {
	out := make([]SemanticItem, len(chunks))
	for i, c := range chunks {
		out[i] = SemanticItem{
			Authority: AuthorityNonAuthoritative, ChunkID: c.ChunkID,
			Content: neutralize(o.directives, c.Content), SourcePath: c.SourcePath,
			Citation: c.Citation, Similarity: c.Similarity, CombinedScore: c.CombinedScore,
		}
	}
	return out
}

func semanticWeights(w config.RankingWeights) semantic.RankingWeights {
	return semantic.RankingWeights{Similarity: w.Similarity, Metadata: w.Metadata, Recency: w.Recency}
}

func readSource(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("orchestrator: reading source %q: %w", path, err)
	}
	return string(data), nil
}
