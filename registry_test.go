package veribot

import (
	"fmt"
	"testing"
)

func TestRegistryDefaultRoute(t *testing.T) {
	var built []string
	reg := NewRegistry(LLMConfig{
		DefaultModel: "flash",
		Steps: map[string]StepRoute{
			StepGeneration: {Provider: "gemini"},
			StepRerank:     {Provider: "gemini", Model: "lite"},
		},
	})
	reg.Register("gemini", func(model string) (Provider, error) {
		built = append(built, model)
		return &fakeProvider{name: "gemini"}, nil
	})

	if _, err := reg.For(StepGeneration, TenantConfig{}); err != nil {
		t.Fatalf("For(generation): %v", err)
	}
	if _, err := reg.For(StepRerank, TenantConfig{}); err != nil {
		t.Fatalf("For(rerank): %v", err)
	}
	// generation falls back to the default model; rerank has its own.
	if len(built) != 2 || built[0] != "flash" || built[1] != "lite" {
		t.Errorf("built models = %v, want [flash lite]", built)
	}
}

func TestRegistryTenantOverrideWins(t *testing.T) {
	reg := NewRegistry(LLMConfig{
		DefaultModel: "flash",
		Steps:        map[string]StepRoute{StepGeneration: {Provider: "gemini"}},
	})
	reg.Register("gemini", func(model string) (Provider, error) {
		return &fakeProvider{name: "gemini"}, nil
	})
	reg.Register("openai", func(model string) (Provider, error) {
		return &fakeProvider{name: "openai"}, nil
	})

	cfg := rawCfg("llm_config", `{"steps": {"generation": {"provider": "openai", "model": "gpt-4o-mini"}}}`)
	p, err := reg.For(StepGeneration, cfg)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("provider = %s, want the tenant-routed openai", p.Name())
	}
}

func TestRegistryCachesPerProviderModel(t *testing.T) {
	builds := 0
	reg := NewRegistry(LLMConfig{
		DefaultModel: "flash",
		Steps: map[string]StepRoute{
			StepGeneration: {Provider: "gemini"},
			StepSmallTalk:  {Provider: "gemini"},
		},
	})
	reg.Register("gemini", func(model string) (Provider, error) {
		builds++
		return &fakeProvider{name: "gemini"}, nil
	})

	a, _ := reg.For(StepGeneration, TenantConfig{})
	b, _ := reg.For(StepSmallTalk, TenantConfig{})
	if builds != 1 {
		t.Errorf("factory ran %d times, want 1 (same provider/model pair)", builds)
	}
	if a != b {
		t.Error("two steps routed to the same model got different instances")
	}
}

func TestRegistryReRegisterInvalidatesCache(t *testing.T) {
	builds := 0
	factory := func(model string) (Provider, error) {
		builds++
		return &fakeProvider{name: "gemini"}, nil
	}
	reg := NewRegistry(LLMConfig{
		DefaultModel: "flash",
		Steps:        map[string]StepRoute{StepGeneration: {Provider: "gemini"}},
	})
	reg.Register("gemini", factory)
	if _, err := reg.For(StepGeneration, TenantConfig{}); err != nil {
		t.Fatalf("For: %v", err)
	}
	reg.Register("gemini", factory)
	if _, err := reg.For(StepGeneration, TenantConfig{}); err != nil {
		t.Fatalf("For after re-register: %v", err)
	}
	if builds != 2 {
		t.Errorf("factory ran %d times, want 2 after re-register", builds)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry(LLMConfig{
		DefaultModel: "flash",
		Steps:        map[string]StepRoute{StepGeneration: {Provider: "nope"}},
	})
	if _, err := reg.For(StepGeneration, TenantConfig{}); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestRegistryFactoryErrorNotCached(t *testing.T) {
	calls := 0
	reg := NewRegistry(LLMConfig{
		DefaultModel: "flash",
		Steps:        map[string]StepRoute{StepGeneration: {Provider: "gemini"}},
	})
	reg.Register("gemini", func(model string) (Provider, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("transient init failure")
		}
		return &fakeProvider{name: "gemini"}, nil
	})

	if _, err := reg.For(StepGeneration, TenantConfig{}); err == nil {
		t.Fatal("expected the first build to fail")
	}
	if _, err := reg.For(StepGeneration, TenantConfig{}); err != nil {
		t.Fatalf("second build: %v", err)
	}
}

func TestRegistryEmbedder(t *testing.T) {
	reg := NewRegistry(LLMConfig{})
	if _, err := reg.Embedder(); err == nil {
		t.Fatal("expected error with no embedder registered")
	}
	emb := &fakeEmbedder{}
	reg.SetEmbedder(emb)
	got, err := reg.Embedder()
	if err != nil {
		t.Fatalf("Embedder: %v", err)
	}
	if got != EmbeddingProvider(emb) {
		t.Error("Embedder returned a different instance")
	}
}

func TestRegistryNoRoute(t *testing.T) {
	reg := NewRegistry(LLMConfig{})
	if _, err := reg.For(StepGeneration, TenantConfig{}); err == nil {
		t.Fatal("expected error when no route exists anywhere")
	}
}
