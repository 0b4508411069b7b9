package veribot

import (
	"fmt"
	"strings"
)

// Prompt templates for the pipeline steps. Rendered with the render* helpers
// below; argument order matters.

const contextualizePrompt = "Given a chat history and the latest user question which might reference context in the chat history, " +
	"formulate a standalone question which can be understood without the chat history. " +
	"Do NOT answer the question, just reformulate it if needed and otherwise return it as is.\n\n" +
	"Chat History:\n%s\n\n" +
	"Latest Question: %s\n\n" +
	"Standalone Question:"

const rerankPrompt = "You are a relevance ranking system. " +
	"Check if the following document is relevant to the query. " +
	"Assign a relevance score from 0 to 10. " +
	"Return ONLY a JSON object with a single key 'score' (integer).\n\n" +
	"Query: %s\n" +
	"Document: %s\n\n" +
	"JSON Output:"

const hydePrompt = "Please write a short passage that answers the following question. " +
	"Do not include any explanation, just the answer. " +
	"It does not have to be true, just semantically relevant to the question.\n\n" +
	"Question: %s\n\n" +
	"Passage:"

const ragAnswerPrompt = "You are Veribot 🤖, an AI assistant.\n" +
	"Use the following pieces of retrieved context AND the chat history to answer the user's question.\n" +
	"%s\n" +
	"IMPORTANT: Always answer in the SAME language as the user's question.\n" +
	"If asked about your identity, say you are Veribot 🤖, an AI assistant capable of answering most questions and redirecting to a human if needed.\n" +
	"Priority:\n" +
	"1. Use the retrieved context for factual information about the documents.\n" +
	"2. Use the chat history for conversational context (e.g., user's name, previous topics).\n" +
	"If the answer is not in the context or history, say you don't know (in the user's language).\n\n" +
	"Chat History:\n%s\n\n" +
	"Retrieved Context:\n%s\n\n" +
	"Question: %s\n\n" +
	"Answer:"

const smallTalkPrompt = "You are Veribot 🤖, a helpful AI assistant.\n" +
	"Respond to the following user message nicely and concisely.\n" +
	"%s\n" +
	"If this is a greeting, introduce yourself as Veribot 🤖, an AI assistant who can answer most questions or redirect you to a human agent.\n" +
	"IMPORTANT: Always answer in the same language as the user's message.\n" +
	"Use the chat history to maintain conversation context (e.g. remember names).\n" +
	"Do NOT hallucinate information about documents you don't see.\n" +
	"Chat History:\n%s\n\n" +
	"Message: %s\n\n" +
	"Response:"

// ImageDescriptionPrompt is sent with ingested images so the resulting text is
// searchable.
const ImageDescriptionPrompt = "Describe this image in extreme detail for retrieval purposes. " +
	"Include any visible text, numbers, layout structure, and visual elements. " +
	"The goal is to allow someone to find this image by searching for its content."

const summaryPrompt = "You are an expert CRM analyst. Analyze the following conversation between a user and an AI assistant.\n" +
	"Extract structured information for lead qualification and CRM updates.\n\n" +
	"Conversation:\n%s\n\n" +
	"Tasks:\n" +
	"1. Analyze Purchase Intent (High, Medium, Low, None)\n" +
	"2. Assess Urgency (Urgent, Normal, Low)\n" +
	"3. Determine Sentiment Score (Positive, Neutral, Negative)\n" +
	"4. Detect Budget (if mentioned)\n" +
	"5. Extract Contact Info (Name, Phone, Email, Address, Industry)\n" +
	"6. Write a concise AI Summary (Markdown)\n" +
	"7. Write a Client Description (Professional tone)\n\n" +
	"Output must be valid JSON with this structure:\n" +
	"{\n" +
	"  \"purchase_intent\": \"...\",\n" +
	"  \"urgency_level\": \"...\",\n" +
	"  \"sentiment_score\": \"...\",\n" +
	"  \"detected_budget\": null,\n" +
	"  \"ai_summary\": \"...\",\n" +
	"  \"contact_info\": {\"name\": null, \"phone\": null, \"email\": null, \"address\": null, \"industry\": null},\n" +
	"  \"client_description\": \"...\"\n" +
	"}\n\n" +
	"JSON Output:"

func renderContextualizePrompt(history, query string) string {
	return fmt.Sprintf(contextualizePrompt, history, query)
}

func renderRerankPrompt(query, content string) string {
	return fmt.Sprintf(rerankPrompt, query, content)
}

func renderHyDEPrompt(query string) string {
	return fmt.Sprintf(hydePrompt, query)
}

func renderRAGAnswerPrompt(langInstruction, history, context, query string) string {
	return fmt.Sprintf(ragAnswerPrompt, langInstruction, history, context, query)
}

func renderSmallTalkPrompt(langInstruction, history, query string) string {
	return fmt.Sprintf(smallTalkPrompt, langInstruction, history, query)
}

func renderSummaryPrompt(history string) string {
	return fmt.Sprintf(summaryPrompt, history)
}

// formatHistory renders a transcript as "ROLE: content" lines, the shape every
// prompt template expects.
func formatHistory(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// stripCodeFence removes a markdown code fence wrapper from LLM output that
// was asked for raw JSON.
func stripCodeFence(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
