package generation

import (
	"context"
	"strings"
	"unicode/utf8"
)

const DefaultPersona = "You are a friendly voice assistant. Your replies are spoken aloud, " +
	"so answer in short conversational sentences without markdown, lists or emoji."

// Exchange is one completed user/assistant pair from conversation history.
type Exchange struct {
	User      string
	Assistant string
}

// Prompt describes the context a reply is generated in.
type Prompt struct {
	Persona   string
	Summary   string
	History   []Exchange
	MaxTurns  int // most recent exchanges kept; <= 0 keeps none
	Utterance string
}

// ContextInfo reports what context made it into a request.
type ContextInfo struct {
	SummaryUsed  bool
	HistoryTurns int
}

// BuildMessages assembles persona, running summary, the trimmed recent history
// and the user utterance.
func BuildMessages(p Prompt) ([]Message, ContextInfo) {
	persona := strings.TrimSpace(p.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	msgs := []Message{{Role: RoleSystem, Content: persona}}

	var info ContextInfo
	if summary := strings.TrimSpace(p.Summary); summary != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: "Summary of the conversation so far: " + summary})
		info.SummaryUsed = true
	}

	history := p.History
	if p.MaxTurns <= 0 {
		history = nil
	} else if len(history) > p.MaxTurns {
		history = history[len(history)-p.MaxTurns:]
	}
	for _, ex := range history {
		if ex.User != "" {
			msgs = append(msgs, Message{Role: RoleUser, Content: ex.User})
		}
		if ex.Assistant != "" {
			msgs = append(msgs, Message{Role: RoleAssistant, Content: ex.Assistant})
		}
	}
	info.HistoryTurns = len(history)

	msgs = append(msgs, Message{Role: RoleUser, Content: p.Utterance})
	return msgs, info
}

const maxTitleRunes = 60

// Title asks the model for a short conversation title based on the opening
// utterance.
func Title(ctx context.Context, s Streamer, utterance string) (string, error) {
	raw, err := Collect(ctx, s, Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "Write a title of at most six words for a conversation that starts with the user's message. Reply with the title only."},
			{Role: RoleUser, Content: utterance},
		},
		Temperature: 0.3,
		MaxTokens:   24,
	})
	if err != nil {
		return "", err
	}
	title := cleanTitle(raw)
	if title == "" {
		return "", ErrEmptyReply
	}
	return title, nil
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(strings.SplitN(raw, "\n", 2)[0])
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(strings.TrimSpace(title), `"'*`)
	title = strings.TrimRight(title, ".!")
	if utf8.RuneCountInString(title) > maxTitleRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return title
}

// Summarize folds the full history into a short running summary used as
// context for later replies.
func Summarize(ctx context.Context, s Streamer, history []Exchange) (string, error) {
	var b strings.Builder
	for _, ex := range history {
		b.WriteString("User: ")
		b.WriteString(ex.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(ex.Assistant)
		b.WriteString("\n")
	}
	return Collect(ctx, s, Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "Summarize this conversation in at most five sentences. Keep names, facts and open requests. Reply with the summary only."},
			{Role: RoleUser, Content: b.String()},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
}
