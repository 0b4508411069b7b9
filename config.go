package veribot

import (
	"encoding/json"
	"fmt"
)

// TenantConfig is a tenant's configuration bundle: opaque option bags keyed by
// provider name ("rag", "chatwoot", "evolution", "telegram", "espocrm",
// "hubspot", "client_config", "llm_config"). Bags are validated on use, not on
// load.
type TenantConfig map[string]json.RawMessage

// Has reports whether the bundle contains a bag for key.
func (c TenantConfig) Has(key string) bool {
	raw, ok := c[key]
	return ok && len(raw) > 0
}

// decode unmarshals the bag for key into v. Returns *ErrConfigMissing when
// the bag is absent.
func (c TenantConfig) decode(key string, v any) error {
	raw, ok := c[key]
	if !ok || len(raw) == 0 {
		return &ErrConfigMissing{Key: key}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("config %q: %w", key, err)
	}
	return nil
}

// RAGConfig holds per-tenant retrieval options.
type RAGConfig struct {
	Provider  string `json:"provider,omitempty"`
	UseHyDE   *bool  `json:"use_hyde,omitempty"`
	UseRerank *bool  `json:"use_rerank,omitempty"`
	// HandoffRules is appended to the agent system prompt so the model
	// knows when to call transfer_to_human.
	HandoffRules string `json:"handoff_rules,omitempty"`
	// CacheThreshold enables the semantic query cache when > 0: cached
	// answers are reused when cosine similarity exceeds the threshold.
	CacheThreshold float64 `json:"cache_threshold,omitempty"`
}

// RAG returns the "rag" bag. A missing bag yields the zero value — retrieval
// options all have working defaults.
func (c TenantConfig) RAG() RAGConfig {
	var rc RAGConfig
	_ = c.decode("rag", &rc)
	return rc
}

// ChatwootConfig holds credentials for one tenant's Chatwoot account.
type ChatwootConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	AccountID int    `json:"account_id"`
}

// Chatwoot returns the "chatwoot" bag. AccountID defaults to 1.
func (c TenantConfig) Chatwoot() (ChatwootConfig, error) {
	var cc ChatwootConfig
	if err := c.decode("chatwoot", &cc); err != nil {
		return ChatwootConfig{}, err
	}
	if cc.AccountID == 0 {
		cc.AccountID = 1
	}
	return cc, nil
}

// EvolutionConfig holds one tenant's Evolution API (WhatsApp) credentials.
// Instance is the Evolution instance name, also used as the tenant key for
// inbound webhooks.
type EvolutionConfig struct {
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
	Instance string `json:"instance"`
}

// Evolution returns the "evolution" bag.
func (c TenantConfig) Evolution() (EvolutionConfig, error) {
	var ec EvolutionConfig
	err := c.decode("evolution", &ec)
	return ec, err
}

// TelegramConfig holds one tenant's Telegram bot token. The token doubles as
// the tenant key for inbound webhooks.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
}

// Telegram returns the "telegram" bag.
func (c TenantConfig) Telegram() (TelegramConfig, error) {
	var tc TelegramConfig
	err := c.decode("telegram", &tc)
	return tc, err
}

// EspoCRMConfig holds credentials for an EspoCRM instance.
type EspoCRMConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// EspoCRM returns the "espocrm" bag.
func (c TenantConfig) EspoCRM() (EspoCRMConfig, error) {
	var ec EspoCRMConfig
	err := c.decode("espocrm", &ec)
	return ec, err
}

// HubSpotConfig holds credentials for a HubSpot portal. APIKey is accepted as
// a legacy alias for AccessToken.
type HubSpotConfig struct {
	AccessToken string `json:"access_token"`
	APIKey      string `json:"api_key,omitempty"`
}

// Token returns the effective access token.
func (h HubSpotConfig) Token() string {
	if h.AccessToken != "" {
		return h.AccessToken
	}
	return h.APIKey
}

// HubSpot returns the "hubspot" bag.
func (c TenantConfig) HubSpot() (HubSpotConfig, error) {
	var hc HubSpotConfig
	err := c.decode("hubspot", &hc)
	return hc, err
}

// PricingItem is one row of a tenant's price list, served by the
// lookup_pricing agent tool.
type PricingItem struct {
	Name        string `json:"name"`
	Price       string `json:"price"`
	Description string `json:"description,omitempty"`
}

// ClientConfig holds tenant-level behavior switches.
type ClientConfig struct {
	CustomInstructions string        `json:"custom_instructions,omitempty"`
	IsEnterprise       bool          `json:"is_enterprise,omitempty"`
	Pricing            []PricingItem `json:"pricing,omitempty"`
}

// Client returns the "client_config" bag; a missing bag yields the zero value.
func (c TenantConfig) Client() ClientConfig {
	var cc ClientConfig
	_ = c.decode("client_config", &cc)
	return cc
}

// StepRoute selects the provider and model for one logical LLM step.
type StepRoute struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// LLMConfig is the step→(provider, model) routing table. DefaultModel is used
// for steps without an explicit route.
type LLMConfig struct {
	Steps        map[string]StepRoute `json:"steps,omitempty"`
	DefaultModel string               `json:"default_model,omitempty"`
}

// LLM returns the "llm_config" bag; a missing bag yields the zero value and
// the registry falls back to its deployment defaults.
func (c TenantConfig) LLM() LLMConfig {
	var lc LLMConfig
	_ = c.decode("llm_config", &lc)
	return lc
}
