// Package generation streams text replies from a language model.
package generation

import (
	"context"
	"errors"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	// Model overrides the streamer's default model when set.
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Stream yields incremental text fragments. Next returns false when the reply
// is complete or failed; Err tells which.
type Stream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}

type Streamer interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

var ErrEmptyReply = errors.New("generation returned no text")

// Collect drains a stream into one string, for non-interactive calls such as
// titles and summaries.
func Collect(ctx context.Context, s Streamer, req Request) (string, error) {
	stream, err := s.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for stream.Next() {
		b.WriteString(stream.Text())
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrEmptyReply
	}
	return out, nil
}
