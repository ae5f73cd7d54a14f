package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ResolveConversation picks the conversation a new chat or voice session
// attaches to:
//  1. requestedID, when it exists and belongs to userID;
//  2. otherwise the user's most recent conversation, when it has no turns yet;
//  3. otherwise a new conversation.
func ResolveConversation(ctx context.Context, st Store, userID, requestedID string) (conv Conversation, created bool, err error) {
	if strings.TrimSpace(userID) == "" {
		return Conversation{}, false, errors.New("user id is required")
	}

	if id := strings.TrimSpace(requestedID); id != "" {
		conv, err := st.GetConversation(ctx, id)
		switch {
		case err == nil && conv.UserID == userID:
			return conv, false, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return Conversation{}, false, fmt.Errorf("get conversation: %w", err)
		}
	}

	latest, err := st.LatestConversation(ctx, userID)
	switch {
	case err == nil:
		n, err := st.CountTurns(ctx, latest.ID)
		if err != nil {
			return Conversation{}, false, fmt.Errorf("count turns: %w", err)
		}
		if n == 0 {
			return latest, false, nil
		}
	case !errors.Is(err, ErrNotFound):
		return Conversation{}, false, fmt.Errorf("latest conversation: %w", err)
	}

	conv, err = st.CreateConversation(ctx, userID)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}
