// Package engine owns the wiring between the Project Registry and the
// three per-project stores. It is an explicit value passed to whatever
// needs it (the orchestrator, the MCP tool handlers, tests) — there is
// no package-level global state, unlike the teacher's WASM build (which
// kept a single mutable global store for the lifetime of the browser
// tab). See spec §9's design note against resurrecting that pattern.
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/config"
	"github.com/kittclouds/memtiers/internal/embedding"
	"github.com/kittclouds/memtiers/internal/episodic"
	"github.com/kittclouds/memtiers/internal/extractor"
	"github.com/kittclouds/memtiers/internal/policy"
	"github.com/kittclouds/memtiers/internal/registry"
	"github.com/kittclouds/memtiers/internal/semantic"
	"github.com/kittclouds/memtiers/internal/symbolic"
)

// projectStores bundles the three per-project tiers plus the
// closer for all three.
type projectStores struct {
	symbolic *symbolic.Store
	episodic *episodic.Store
	semantic *semantic.Store
}

func (p *projectStores) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{p.symbolic, p.episodic, p.semantic} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Engine is the top-level value the server constructs once at startup
// and threads through every operation.
type Engine struct {
	cfg      config.Config
	registry *registry.Registry
	embedder embedding.Client
	extract  extractor.Client
	logger   *zap.Logger

	chatMarkers *policy.Scanner
	codeScanner *policy.Scanner

	mu     sync.Mutex
	stores map[string]*projectStores
}

// Now is overridable for tests; production uses wall-clock milliseconds.
var Now = func() int64 { return time.Now().UnixMilli() }

// New constructs an Engine from a loaded Config. It owns the registry
// and lazily opens per-project stores on first access.
func New(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	reg, err := registry.Open(cfg.DataRoot, Now)
	if err != nil {
		return nil, err
	}

	chatMarkers, err := policy.ChatMarkerScanner()
	if err != nil {
		return nil, err
	}
	codeScanner, err := policy.CodeTokenScanner()
	if err != nil {
		return nil, err
	}

	embedder := buildEmbedder(cfg)
	extractClient := buildExtractor(cfg)

	return &Engine{
		cfg:         cfg,
		registry:    reg,
		embedder:    embedder,
		extract:     extractClient,
		logger:      logger,
		chatMarkers: chatMarkers,
		codeScanner: codeScanner,
		stores:      make(map[string]*projectStores),
	}, nil
}

func buildEmbedder(cfg config.Config) embedding.Client {
	var client embedding.Client
	switch cfg.EmbeddingProv {
	case config.EmbeddingProviderOpenRouter:
		client = embedding.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim)
	case config.EmbeddingProviderGoogle:
		client = embedding.NewGoogle(cfg.GoogleAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim)
	default:
		client = embedding.NewDeterministic(cfg.EmbeddingDim)
	}
	return embedding.NewBounded(client, cfg.EmbeddingConcurrency)
}

func buildExtractor(cfg config.Config) extractor.Client {
	switch cfg.ExtractorProv {
	case config.ExtractorProviderOpenRouter:
		return extractor.NewOpenRouter(cfg.OpenRouterAPIKey, cfg.ExtractorModel)
	default:
		return extractor.Noop{}
	}
}

// Registry exposes the Project Registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Extractor exposes the optional LLM Extractor.
func (e *Engine) Extractor() extractor.Client { return e.extract }

// Logger exposes the shared structured logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Config exposes the loaded configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// projectStoresFor lazily opens (or returns the cached) store bundle
// for a project, resolving its root directory through the registry
// first.
func (e *Engine) projectStoresFor(ctx context.Context, projectID string) (*projectStores, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ps, ok := e.stores[projectID]; ok {
		return ps, nil
	}

	root, err := e.registry.GetRoot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	symStore, err := symbolic.Open(filepath.Join(root), Now)
	if err != nil {
		return nil, err
	}
	epiStore, err := episodic.Open(filepath.Join(root), Now, e.chatMarkers)
	if err != nil {
		symStore.Close()
		return nil, err
	}
	semStore, err := semantic.Open(filepath.Join(root), Now, semantic.Options{
		Embedder:    e.embedder,
		CodeScanner: e.codeScanner,
	})
	if err != nil {
		symStore.Close()
		epiStore.Close()
		return nil, err
	}

	ps := &projectStores{symbolic: symStore, episodic: epiStore, semantic: semStore}
	e.stores[projectID] = ps
	return ps, nil
}

// Symbolic returns the Symbolic Store for a resolved project.
func (e *Engine) Symbolic(ctx context.Context, projectID string) (*symbolic.Store, error) {
	ps, err := e.projectStoresFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ps.symbolic, nil
}

// Episodic returns the Episodic Store for a resolved project.
func (e *Engine) Episodic(ctx context.Context, projectID string) (*episodic.Store, error) {
	ps, err := e.projectStoresFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ps.episodic, nil
}

// Semantic returns the Semantic Store for a resolved project.
func (e *Engine) Semantic(ctx context.Context, projectID string) (*semantic.Store, error) {
	ps, err := e.projectStoresFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ps.semantic, nil
}

// CloseProject releases a project's store handles, per spec §3's
// ownership rule ("closing a project releases [its stores]").
func (e *Engine) CloseProject(projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ps, ok := e.stores[projectID]
	if !ok {
		return nil
	}
	delete(e.stores, projectID)
	return ps.Close()
}

// Close releases the registry and every open project's stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for id, ps := range e.stores {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.stores, id)
	}
	if err := e.registry.Close(); err != nil && firstErr == nil {
		firstErr = apperr.Wrap(apperr.KindStoreUnavailable, err, "engine: closing registry")
	}
	return firstErr
}
