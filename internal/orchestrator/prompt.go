package orchestrator

import (
	"fmt"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/snapshot"
)

const defaultSystemPrompt = "You are a personal assistant replying over a chat app. " +
	"Answer briefly and plainly, as in a text conversation. " +
	"Use the user context when it is relevant and never invent figures that are not in it."

// buildPrompt renders the single prompt handed to the backend.
func buildPrompt(system string, history []domain.ConversationTurn, docs []snapshot.Document, msg domain.InboundMessage) string {
	if system == "" {
		system = defaultSystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(system))
	sb.WriteString("\n")

	if len(docs) > 0 {
		sb.WriteString("\n## User context\n")
		for _, d := range docs {
			fmt.Fprintf(&sb, "### %s\n%s\n", d.Name, d.Content)
		}
	}

	if len(history) > 0 {
		sb.WriteString("\n## Conversation so far\n")
		for _, t := range history {
			fmt.Fprintf(&sb, "%s: %s\n", speaker(t.Role), t.Content)
		}
	}

	if msg.ReplyToBody != "" {
		sb.WriteString("\n## The user is replying to this earlier message\n")
		for _, line := range strings.Split(strings.TrimSpace(msg.ReplyToBody), "\n") {
			sb.WriteString("> " + line + "\n")
		}
	}

	sb.WriteString("\n## New message\n")
	fmt.Fprintf(&sb, "User: %s\n", msg.Body)
	if msg.HasMedia {
		fmt.Fprintf(&sb, "(%d attachment(s) sent with this message)\n", max(1, len(msg.MediaRefs)))
	}
	sb.WriteString("\nAssistant:")
	return sb.String()
}

func speaker(r domain.Role) string {
	if r == domain.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
