// Package orchestrator runs one chat turn end to end: resolve or create the
// conversation, persist the user turn, bind its attachments, stream the model reply
// to the caller and persist the assistant turn once the reply is complete.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/catalog"
	"github.com/chirino/chat-service/internal/ids"
	"github.com/chirino/chat-service/internal/model"
	registryprovider "github.com/chirino/chat-service/internal/registry/provider"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Phase is how far a turn got.
type Phase string

const (
	PhaseReceived               Phase = "received"
	PhaseConversationResolved   Phase = "conversation-resolved"
	PhaseUserTurnPersisted      Phase = "user-turn-persisted"
	PhaseAttachmentsActivated   Phase = "attachments-activated"
	PhaseGenerating             Phase = "generating"
	PhaseGenerated              Phase = "generated"
	PhaseAssistantTurnPersisted Phase = "assistant-turn-persisted"
	PhaseGenerationFailed       Phase = "generation-failed"
)

const (
	// SystemPrompt is sent ahead of every conversation.
	SystemPrompt = "You are a friendly assistant! Keep your responses concise and helpful."

	persistTimeout = 10 * time.Second
)

// HistoryMessage is a prior message supplied by the client.
type HistoryMessage struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	ConversationID uuid.UUID
	OwnerID        string
	// History seeds the prompt of a brand new conversation. Stored turns win otherwise.
	History       []HistoryMessage
	Message       string
	ModelID       string
	AttachmentIDs []uuid.UUID
}

// TurnResult describes what a turn produced.
type TurnResult struct {
	ConversationID      uuid.UUID `json:"conversationId"`
	ConversationCreated bool      `json:"conversationCreated"`
	Title               string    `json:"title,omitempty"`
	ModelID             string    `json:"modelId"`
	UserTurnID          string    `json:"userTurnId,omitempty"`
	AssistantTurnID     string    `json:"assistantTurnId,omitempty"`
	Phase               Phase     `json:"phase"`
}

// AttachmentActivator binds pending attachments to a turn.
type AttachmentActivator interface {
	Activate(ctx context.Context, ids []uuid.UUID, turnID string, owner string) error
}

// HistoryInvalidator drops cached history after writes.
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, ownerID string)
}

// Options configures an Orchestrator.
type Options struct {
	TitleTimeout time.Duration
}

// Orchestrator coordinates the store, the attachment manager and the model provider.
type Orchestrator struct {
	store        registrystore.ChatStore
	attachments  AttachmentActivator
	provider     registryprovider.Provider
	catalog      *catalog.Catalog
	history      HistoryInvalidator
	titleTimeout time.Duration
	now          func() time.Time
}

// New returns an Orchestrator. history may be nil.
func New(store registrystore.ChatStore, attachments AttachmentActivator, provider registryprovider.Provider, cat *catalog.Catalog, history HistoryInvalidator, opts Options) *Orchestrator {
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = 5 * time.Second
	}
	return &Orchestrator{
		store:        store,
		attachments:  attachments,
		provider:     provider,
		catalog:      cat,
		history:      history,
		titleTimeout: opts.TitleTimeout,
		now:          time.Now,
	}
}

func (o *Orchestrator) invalidate(ctx context.Context, owner string) {
	if o.history != nil {
		o.history.Invalidate(context.WithoutCancel(ctx), owner)
	}
}

// HandleTurn runs the turn pipeline. Errors returned before the phase reaches
// generating were not reported to sink; later errors were, as a terminal error event.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest, sink Sink) (*TurnResult, error) {
	start := o.now()
	res := &TurnResult{ConversationID: req.ConversationID, Phase: PhaseReceived}
	logger := log.With("conversationId", req.ConversationID, "owner", req.OwnerID)

	if strings.TrimSpace(req.Message) == "" {
		return res, registrystore.BadRequest("message is required")
	}
	m, ok := o.catalog.Resolve(req.ModelID)
	if !ok {
		return res, &registrystore.ClientError{Status: http.StatusNotFound, Message: "Model not found"}
	}
	res.ModelID = m.ID
	if res.ConversationID == uuid.Nil {
		res.ConversationID = uuid.New()
	}

	conv, created, err := o.resolveConversation(ctx, res.ConversationID, req.OwnerID, m, req.Message)
	if err != nil {
		return res, err
	}
	res.ConversationCreated = created
	res.Title = conv.Title
	res.Phase = PhaseConversationResolved

	stored, err := o.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return res, err
	}

	at := o.now()
	userTurn, err := o.store.CreateTurn(ctx, model.Turn{
		ID:             ids.NewTurnID(at),
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        req.Message,
		CreatedAt:      at,
	})
	if err != nil {
		return res, err
	}
	res.UserTurnID = userTurn.ID
	res.Phase = PhaseUserTurnPersisted
	o.invalidate(ctx, req.OwnerID)

	if len(req.AttachmentIDs) > 0 {
		if err := o.attachments.Activate(ctx, req.AttachmentIDs, userTurn.ID, req.OwnerID); err != nil {
			var actErr *registrystore.ActivationError
			if errors.As(err, &actErr) {
				return res, registrystore.BadRequest("%s", actErr.Error())
			}
			return res, err
		}
	}
	res.Phase = PhaseAttachmentsActivated

	prompt := buildPrompt(stored, req.History, created, req.Message)
	res.Phase = PhaseGenerating
	logger.Debug("Generating", "model", m.ID, "turnId", userTurn.ID, "messages", len(prompt))

	tee := NewTeeSink(sink)
	if err := o.stream(ctx, m, prompt, tee); err != nil {
		return o.fail(ctx, res, sink, err, start)
	}

	at = o.now()
	assistant := model.Turn{
		ID:             ids.NewTurnID(at),
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		Content:        tee.String(),
		CreatedAt:      at,
	}
	// The done event goes out before the reply is stored, so it carries no assistant
	// turn id yet.
	res.Phase = PhaseGenerated
	if err := sink.Done(res); err != nil {
		logger.Debug("Client went away after last delta", "err", err)
	}

	// The reply is complete; a disconnect from here on must not lose it.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := o.store.CreateTurn(persistCtx, assistant); err != nil {
		logger.Error("Failed to persist assistant turn", "turnId", assistant.ID, "err", err)
		security.RecordTurn("failed", o.now().Sub(start))
		return res, err
	}
	res.AssistantTurnID = assistant.ID
	res.Phase = PhaseAssistantTurnPersisted
	o.invalidate(ctx, req.OwnerID)
	security.RecordTurn("completed", o.now().Sub(start))
	logger.Info("Turn completed", "userTurnId", res.UserTurnID, "assistantTurnId", res.AssistantTurnID, "created", created)
	return res, nil
}

// stream pumps the provider into sink. A sink write error means the caller is gone and
// ends generation.
func (o *Orchestrator) stream(ctx context.Context, m catalog.Model, prompt []registryprovider.Message, sink Sink) error {
	stream, err := o.provider.Stream(ctx, registryprovider.Request{
		Model:    m.APIIdentifier,
		System:   SystemPrompt,
		Messages: prompt,
	})
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if err := sink.Delta(delta); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, res *TurnResult, sink Sink, err error, start time.Time) (*TurnResult, error) {
	res.Phase = PhaseGenerationFailed
	outcome := "failed"
	if ctx.Err() != nil {
		outcome = "cancelled"
	}
	var fault *registryprovider.ProviderFault
	if !errors.As(err, &fault) {
		fault = &registryprovider.ProviderFault{Op: "stream", Model: res.ModelID, Err: err}
	}
	if sinkErr := sink.Fail(fault); sinkErr != nil {
		log.Debug("Could not deliver stream error", "conversationId", res.ConversationID, "err", sinkErr)
	}
	security.RecordTurn(outcome, o.now().Sub(start))
	log.Warn("Turn generation ended without reply", "conversationId", res.ConversationID, "userTurnId", res.UserTurnID, "outcome", outcome, "err", err)
	return res, fault
}

// resolveConversation loads the conversation or creates it with a generated title.
// A conversation owned by someone else is reported as not found.
func (o *Orchestrator) resolveConversation(ctx context.Context, id uuid.UUID, owner string, m catalog.Model, message string) (*model.Conversation, bool, error) {
	conv, err := o.store.GetConversation(ctx, id)
	if err == nil {
		if conv.OwnerID != owner {
			return nil, false, &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
		}
		return conv, false, nil
	}
	var notFound *registrystore.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, false, err
	}

	title := o.generateTitle(ctx, message)
	conv, err = o.store.CreateConversation(ctx, model.Conversation{
		ID:      id,
		OwnerID: owner,
		Title:   title,
		ModelID: m.ID,
	})
	var conflict *registrystore.ConflictError
	if errors.As(err, &conflict) {
		// Lost the insert race to a concurrent first turn.
		conv, err = o.store.GetConversation(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if conv.OwnerID != owner {
			return nil, false, &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// buildPrompt prefers stored turns. Client supplied history only seeds a conversation
// that was just created.
func buildPrompt(stored []model.Turn, history []HistoryMessage, created bool, message string) []registryprovider.Message {
	var prompt []registryprovider.Message
	switch {
	case len(stored) > 0:
		for _, t := range stored {
			prompt = append(prompt, registryprovider.Message{Role: t.Role, Content: t.Content})
		}
	case created:
		for _, h := range history {
			if h.Role != model.RoleUser && h.Role != model.RoleAssistant {
				continue
			}
			prompt = append(prompt, registryprovider.Message{Role: h.Role, Content: h.Content})
		}
	}
	return append(prompt, registryprovider.Message{Role: model.RoleUser, Content: message})
}
