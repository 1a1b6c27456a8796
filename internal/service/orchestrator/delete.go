package orchestrator

import (
	"context"

	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
)

// DeleteConversation removes one owned conversation and its turns. Attachments of those
// turns are left for the orphan sweep.
func (o *Orchestrator) DeleteConversation(ctx context.Context, owner string, id uuid.UUID) error {
	if err := o.store.DeleteConversation(ctx, owner, id); err != nil {
		return err
	}
	o.invalidate(ctx, owner)
	return nil
}

// DeleteAllConversations removes every conversation of owner and reports how many went.
func (o *Orchestrator) DeleteAllConversations(ctx context.Context, owner string) (int64, error) {
	n, err := o.store.DeleteConversationsByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	o.invalidate(ctx, owner)
	return n, nil
}

// DeleteTrailingTurns deletes turnID and every later turn of its conversation, which is
// how a message is edited or a reply regenerated.
func (o *Orchestrator) DeleteTrailingTurns(ctx context.Context, owner string, conversationID uuid.UUID, turnID string) (int64, error) {
	turn, err := o.store.GetTurn(ctx, turnID)
	if err != nil {
		return 0, err
	}
	if turn.ConversationID != conversationID {
		return 0, &registrystore.NotFoundError{Resource: "turn", ID: turnID}
	}
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if conv.OwnerID != owner {
		return 0, &registrystore.NotFoundError{Resource: "turn", ID: turnID}
	}
	n, err := o.store.DeleteTurnsSince(ctx, conversationID, turn.CreatedAt)
	if err != nil {
		return 0, err
	}
	o.invalidate(ctx, owner)
	return n, nil
}
