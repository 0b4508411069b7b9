// Package veribot is a multi-tenant conversational automation platform core.
//
// It ingests inbound messages from messaging fronts (Evolution/WhatsApp,
// Telegram, Chatwoot), routes them through a retrieval-augmented answering
// engine, and writes replies and end-of-conversation summaries back to the
// fronts and to downstream CRMs.
//
// The root package defines the contracts and the core engines:
//
//   - [TenantRegistry], [SessionStore], [QuotaGuard], [DocumentStore],
//     [ChatMemory], [QueryCache] — persistence contracts (store/postgres
//     implements all of them over one pooled connection)
//   - [Provider], [EmbeddingProvider] — LLM and embedding backends
//     (provider/gemini, provider/openaicompat)
//   - [Registry] — step→(provider, model) routing with instance caching
//   - [Engine] — the RAG pipeline: ingestion and query
//   - [Agent] — the bounded tool-using reasoning loop
//   - [Orchestrator] — the per-message webhook pipeline
//   - [Summarizer] — conversation-close summarization and CRM fan-out
//   - [Channel], [CRM] — outbound adapter contracts (channels/*, crm/*)
//
// Application wiring lives in internal/config, the webhook server in
// internal/server, and the binary in cmd/veribot.
package veribot
