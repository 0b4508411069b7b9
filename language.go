package veribot

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// LanguageInstruction derives the prompt fragment that steers answer language
// from a tenant's ordered preferred_languages (BCP-47 tags). Unparseable tags
// are kept verbatim so a misconfigured tenant still gets a usable
// instruction. An empty list yields the mirror-the-user instruction.
func LanguageInstruction(prefs []string) string {
	if len(prefs) == 0 {
		return "Respond in the same language as the user's message."
	}
	names := make([]string, 0, len(prefs))
	namer := display.English.Languages()
	for _, p := range prefs {
		tag, err := language.Parse(strings.TrimSpace(p))
		if err != nil {
			names = append(names, strings.TrimSpace(p))
			continue
		}
		names = append(names, namer.Name(tag))
	}
	if len(names) == 1 {
		return fmt.Sprintf("The user prefers communication in %s. Answer in %s unless the user writes in another language.", names[0], names[0])
	}
	return fmt.Sprintf("The user prefers communication in one of: %s. If the user's language is unclear, default to %s.",
		strings.Join(names, ", "), names[0])
}
