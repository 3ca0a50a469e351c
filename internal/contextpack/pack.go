// Package contextpack assembles the prompt for a chat turn and fits it into a
// token budget.
//
// Packing is pure: given the same inputs and counter it always produces the
// same pack. When the prompt does not fit, the oldest recent messages are
// dropped first, then the lowest-ranked memory items. Whatever remains over
// budget after both pools are empty is reported through ShouldCompact.
package contextpack

import (
	"strings"

	"github.com/Zhao-yangyang/DaemonChat/internal/tokens"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Input is everything needed to pack one turn.
type Input struct {
	System      string
	Constraints []string
	// TaskState is omitted from the prompt when empty.
	TaskState string
	// Memory is ranked best first.
	Memory []models.MemoryItem
	// Recent is ordered oldest first.
	Recent    []models.TranscriptEvent
	UserInput string
	Budget    models.ContextBudget
	// Count defaults to tokens.Approx.
	Count tokens.Counter
}

// Build packs the input into the budget.
func Build(in Input) *models.ContextPack {
	count := in.Count
	if count == nil {
		count = tokens.Approx
	}
	maxTokens := in.Budget.MaxContextTokens()

	memory := head(in.Memory, in.Budget.MemoryTopK)
	recent := tail(in.Recent, in.Budget.RecentMessages)

	var trimmed models.Trimmed
	messages := buildMessages(in, memory, recent)
	estimate := Estimate(messages, count)

	for len(recent) > 0 && estimate > maxTokens {
		recent = recent[1:]
		trimmed.Recent = true
		messages = buildMessages(in, memory, recent)
		estimate = Estimate(messages, count)
	}

	for len(memory) > 0 && estimate > maxTokens {
		memory = memory[:len(memory)-1]
		trimmed.Memory = true
		messages = buildMessages(in, memory, recent)
		estimate = Estimate(messages, count)
	}

	return &models.ContextPack{
		System:           in.System,
		Constraints:      in.Constraints,
		TaskState:        in.TaskState,
		Memory:           memory,
		RecentMessages:   recent,
		UserInput:        in.UserInput,
		Messages:         messages,
		MaxContextTokens: maxTokens,
		TokenEstimate:    estimate,
		Trimmed:          trimmed,
		ShouldCompact:    estimate > maxTokens,
	}
}

// Estimate sums the token count of every message body.
func Estimate(messages []models.ContextMessage, count tokens.Counter) int {
	total := 0
	for _, m := range messages {
		total += count(m.Content)
	}
	return total
}

func buildMessages(in Input, memory []models.MemoryItem, recent []models.TranscriptEvent) []models.ContextMessage {
	messages := make([]models.ContextMessage, 0, len(recent)+5)
	messages = append(messages, models.ContextMessage{Role: models.RoleSystem, Content: in.System})

	if len(in.Constraints) > 0 {
		messages = append(messages, models.ContextMessage{
			Role:    models.RoleSystem,
			Content: bulleted("Constraints:", in.Constraints),
		})
	}
	if in.TaskState != "" {
		messages = append(messages, models.ContextMessage{
			Role:    models.RoleSystem,
			Content: "Task State:\n" + in.TaskState,
		})
	}
	if len(memory) > 0 {
		lines := make([]string, len(memory))
		for i, item := range memory {
			lines[i] = item.Content
		}
		messages = append(messages, models.ContextMessage{
			Role:    models.RoleSystem,
			Content: bulleted("Memory:", lines),
		})
	}

	for _, ev := range recent {
		if msg, ok := eventMessage(ev); ok {
			messages = append(messages, msg)
		}
	}

	return append(messages, models.ContextMessage{Role: models.RoleUser, Content: in.UserInput})
}

// eventMessage maps conversational events to prompt messages. Tool calls,
// compactions and memory flushes are bookkeeping and never enter the prompt.
func eventMessage(ev models.TranscriptEvent) (models.ContextMessage, bool) {
	var role models.Role
	switch ev.Type {
	case models.EventUserMessage:
		role = models.RoleUser
	case models.EventAssistantMessage:
		role = models.RoleAssistant
	case models.EventSystem:
		role = models.RoleSystem
	default:
		return models.ContextMessage{}, false
	}
	return models.ContextMessage{Role: role, Content: ev.Text()}, true
}

func bulleted(title string, lines []string) string {
	var b strings.Builder
	b.WriteString(title)
	for _, l := range lines {
		b.WriteString("\n- ")
		b.WriteString(l)
	}
	return b.String()
}

func head[T any](s []T, n int) []T {
	if n <= 0 {
		return []T{}
	}
	if n > len(s) {
		n = len(s)
	}
	return s[:n:n]
}

func tail[T any](s []T, n int) []T {
	if n <= 0 {
		return []T{}
	}
	if n > len(s) {
		n = len(s)
	}
	return s[len(s)-n:]
}
