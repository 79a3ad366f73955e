// Package catalog maps model identifiers to the provider, API shape, and
// pricing used to call them. A compiled-in catalog covers the models the
// team runs; a YAML file can override or extend it.
package catalog

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Provider names recognised by the router.
const (
	ProviderOpenRouter = "openrouter"
	ProviderAnthropic  = "anthropic"
)

// API shapes a model is called through.
const (
	APIChat      = "chat"      // OpenAI-style chat completions
	APIResponses = "responses" // OpenAI Responses API
	APIMessages  = "messages"  // Anthropic Messages API
)

// Catalog holds per-model routing, capability, and pricing entries.
type Catalog struct {
	Defaults Defaults         `yaml:"defaults"`
	Models   map[string]Entry `yaml:"models"`
}

// Defaults supplies values for entries (and unknown models) that omit them.
type Defaults struct {
	Provider  string `yaml:"provider"`
	API       string `yaml:"api"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Entry describes how to call a single model.
type Entry struct {
	Provider            string  `yaml:"provider"`
	API                 string  `yaml:"api"`
	SupportsTemperature *bool   `yaml:"supports_temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
	Pricing             Pricing `yaml:"pricing"`
}

// Pricing holds per-model token pricing in USD per million tokens.
type Pricing struct {
	Input         float64 `yaml:"input"`
	Output        float64 `yaml:"output"`
	BatchDiscount float64 `yaml:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul"`
}

// Known reports whether any real pricing has been configured. Unknown
// models cost out at zero and the run summary flags the total as partial.
func (p Pricing) Known() bool {
	return p.Input > 0 || p.Output > 0
}

// UsesTemperature reports whether a temperature parameter may be sent.
// Entries returned by Resolve always carry an explicit value.
func (e Entry) UsesTemperature() bool {
	return e.SupportsTemperature != nil && *e.SupportsTemperature
}

// Load reads a catalog file. The file nests everything under a top-level
// `catalog:` key so it can share a config file with other sections.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}

	var wrapper struct {
		Catalog Catalog `yaml:"catalog"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse %s", path)
	}

	cat := wrapper.Catalog
	cat.normalize()
	return &cat, nil
}

// LoadOrDefault returns the compiled-in catalog merged with the file at
// path. An empty path returns the compiled-in catalog unchanged.
func LoadOrDefault(path string) (*Catalog, error) {
	cat := Default()
	if path == "" {
		return cat, nil
	}
	override, err := Load(path)
	if err != nil {
		return nil, err
	}
	cat.Merge(override)
	return cat, nil
}

// Merge overlays o on top of c. Model entries in o replace same-named
// entries wholesale; non-zero defaults in o replace c's defaults.
func (c *Catalog) Merge(o *Catalog) {
	if o == nil {
		return
	}
	if o.Defaults.Provider != "" {
		c.Defaults.Provider = o.Defaults.Provider
	}
	if o.Defaults.API != "" {
		c.Defaults.API = o.Defaults.API
	}
	if o.Defaults.MaxTokens != 0 {
		c.Defaults.MaxTokens = o.Defaults.MaxTokens
	}
	if c.Models == nil {
		c.Models = make(map[string]Entry, len(o.Models))
	}
	for name, e := range o.Models {
		c.Models[name] = e
	}
}

// Resolve returns the fully populated entry for a model. Unknown models
// fall back to the defaults plus name-based routing: bare claude-* names
// go to the native Anthropic API, and the gpt-5 family is only served
// through the Responses API, which rejects a temperature parameter.
func (c *Catalog) Resolve(model string) Entry {
	e := c.Models[model]

	if e.Provider == "" {
		if isNativeClaude(model) {
			e.Provider = ProviderAnthropic
		} else {
			e.Provider = c.Defaults.Provider
		}
	}
	if e.API == "" {
		switch {
		case e.Provider == ProviderAnthropic:
			e.API = APIMessages
		case isResponsesOnly(model):
			e.API = APIResponses
		default:
			e.API = c.Defaults.API
		}
	}
	if e.SupportsTemperature == nil {
		v := e.API != APIResponses
		e.SupportsTemperature = &v
	}
	if e.MaxTokens == 0 {
		e.MaxTokens = c.Defaults.MaxTokens
	}
	e.Pricing = normalizePricing(e.Pricing)
	return e
}

// normalize fills zero-valued defaults after unmarshalling a file.
func (c *Catalog) normalize() {
	if c.Defaults.Provider == "" {
		c.Defaults.Provider = ProviderOpenRouter
	}
	if c.Defaults.API == "" {
		c.Defaults.API = APIChat
	}
	if c.Defaults.MaxTokens == 0 {
		c.Defaults.MaxTokens = 2000
	}
}

func normalizePricing(p Pricing) Pricing {
	if !p.Known() {
		return p
	}
	if p.BatchDiscount == 0 {
		p.BatchDiscount = 1.0
	}
	if p.CacheWriteMul == 0 {
		p.CacheWriteMul = 1.25
	}
	if p.CacheReadMul == 0 {
		p.CacheReadMul = 0.10
	}
	return p
}

// isNativeClaude matches bare Anthropic model names. OpenRouter-routed
// Claude models carry a vendor prefix ("anthropic/claude-...") and are
// not native.
func isNativeClaude(model string) bool {
	return !strings.Contains(model, "/") && strings.HasPrefix(model, "claude-")
}

func isResponsesOnly(model string) bool {
	return strings.HasPrefix(baseName(model), "gpt-5")
}

// baseName strips an OpenRouter vendor prefix: "openai/gpt-5-mini"
// becomes "gpt-5-mini".
func baseName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// Default returns the compiled-in catalog.
func Default() *Catalog {
	no := false
	return &Catalog{
		Defaults: Defaults{
			Provider:  ProviderOpenRouter,
			API:       APIChat,
			MaxTokens: 2000,
		},
		Models: map[string]Entry{
			"google/gemini-2.5-flash": {
				Provider: ProviderOpenRouter, API: APIChat,
				Pricing: Pricing{Input: 0.30, Output: 2.50},
			},
			"google/gemini-2.5-pro": {
				Provider: ProviderOpenRouter, API: APIChat,
				Pricing: Pricing{Input: 1.25, Output: 10.00},
			},
			"openai/gpt-4o": {
				Provider: ProviderOpenRouter, API: APIChat,
				Pricing: Pricing{Input: 2.50, Output: 10.00},
			},
			"openai/gpt-4o-mini": {
				Provider: ProviderOpenRouter, API: APIChat,
				Pricing: Pricing{Input: 0.15, Output: 0.60},
			},
			"openai/gpt-5": {
				Provider: ProviderOpenRouter, API: APIResponses,
				SupportsTemperature: &no,
				Pricing:             Pricing{Input: 1.25, Output: 10.00},
			},
			"openai/gpt-5-mini": {
				Provider: ProviderOpenRouter, API: APIResponses,
				SupportsTemperature: &no,
				Pricing:             Pricing{Input: 0.25, Output: 2.00},
			},
			"openai/gpt-5-nano": {
				Provider: ProviderOpenRouter, API: APIResponses,
				SupportsTemperature: &no,
				Pricing:             Pricing{Input: 0.05, Output: 0.40},
			},
			"deepseek/deepseek-chat": {
				Provider: ProviderOpenRouter, API: APIChat,
				Pricing: Pricing{Input: 0.27, Output: 1.10},
			},
			"anthropic/claude-sonnet-4.5": {
				Provider: ProviderOpenRouter, API: APIChat,
				Pricing: Pricing{Input: 3.00, Output: 15.00},
			},
			"claude-haiku-4-5-20251001": {
				Provider: ProviderAnthropic, API: APIMessages,
				Pricing: Pricing{
					Input: 0.80, Output: 4.00,
					BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
				},
			},
			"claude-sonnet-4-5-20250929": {
				Provider: ProviderAnthropic, API: APIMessages,
				Pricing: Pricing{
					Input: 3.00, Output: 15.00,
					BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
				},
			},
			"claude-opus-4-6": {
				Provider: ProviderAnthropic, API: APIMessages,
				Pricing: Pricing{
					Input: 15.00, Output: 75.00,
					BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
				},
			},
		},
	}
}
