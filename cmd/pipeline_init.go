package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-cli/internal/catalog"
	"github.com/sells-group/evidence-cli/internal/pipeline"
	"github.com/sells-group/evidence-cli/internal/provider"
	"github.com/sells-group/evidence-cli/internal/store"
	anthropicpkg "github.com/sells-group/evidence-cli/pkg/anthropic"
	"github.com/sells-group/evidence-cli/pkg/openrouter"
)

// pipelineEnv holds the migrated store, catalog, and provider router a
// pipeline command needs.
type pipelineEnv struct {
	Store   store.Store
	Catalog *catalog.Catalog
	Router  *provider.Router
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// Deps returns the dependency bundle the pipelines consume.
func (pe *pipelineEnv) Deps() pipeline.Deps {
	return pipeline.Deps{Client: pe.Router, Catalog: pe.Catalog, Store: pe.Store}
}

// initPipeline sets up the store and the provider router for a model.
// Missing credentials for the backend the model resolves to are a startup
// error here, never a per-item one. Callers should defer env.Close().
func initPipeline(ctx context.Context, modelName string) (*pipelineEnv, error) {
	cat, err := catalog.LoadOrDefault(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	var or openrouter.Client
	if cfg.OpenRouter.Key != "" {
		or = openrouter.NewClient(cfg.OpenRouter.Key, openrouter.WithBaseURL(cfg.OpenRouter.BaseURL))
	}
	var an anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		an = anthropicpkg.NewClient(cfg.Anthropic.Key)
	}

	entry := cat.Resolve(modelName)
	switch entry.Provider {
	case catalog.ProviderOpenRouter:
		if or == nil {
			return nil, eris.Errorf("openrouter key is required for %s (EVIDENCE_OPENROUTER_KEY)", modelName)
		}
	case catalog.ProviderAnthropic:
		if an == nil {
			return nil, eris.Errorf("anthropic key is required for %s (EVIDENCE_ANTHROPIC_KEY)", modelName)
		}
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	return &pipelineEnv{
		Store:   st,
		Catalog: cat,
		Router:  provider.NewRouter(cat, or, an),
	}, nil
}

// initAnthropic returns a configured Anthropic client for the batch
// commands, which talk to the Message Batches API directly.
func initAnthropic() (anthropicpkg.Client, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic key is required (EVIDENCE_ANTHROPIC_KEY)")
	}
	return anthropicpkg.NewClient(cfg.Anthropic.Key), nil
}
