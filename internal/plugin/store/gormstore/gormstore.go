// Package gormstore implements registrystore.ChatStore on top of gorm. The postgres and
// sqlite plugins open the database and hand it to New with their dialect hooks.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/chirino/chat-service/internal/model"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Dialect carries the driver specific hooks.
type Dialect struct {
	Name              string
	IsUniqueViolation func(err error) bool
}

// Store implements ChatStore using GORM.
type Store struct {
	db      *gorm.DB
	dialect Dialect
}

// New returns a Store backed by db.
func New(db *gorm.DB, dialect Dialect) *Store {
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(err error) bool { return errors.Is(err, gorm.ErrDuplicatedKey) }
	}
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Timestamps are kept at microsecond precision in UTC so that values read back from
// postgres compare equal to the values written.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func fault(op, entity, id string, err error) error {
	return &registrystore.StoreFault{Op: op, Entity: entity, ID: id, Err: err}
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now()
	}
	conv.UpdatedAt = conv.CreatedAt
	if conv.Visibility == "" {
		conv.Visibility = model.VisibilityPrivate
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "conversation already exists", Code: "conversation_exists"}
		}
		return nil, fault("create", "conversation", conv.ID.String(), err)
	}
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fault("get", "conversation", conversationID.String(), err)
	}
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id ASC").
		Find(&convs).Error; err != nil {
		return nil, fault("list", "conversation", "", err)
	}
	return convs, nil
}

// ownedConversation loads a conversation and checks that ownerID owns it.
func (s *Store) ownedConversation(ctx context.Context, ownerID string, conversationID uuid.UUID) (*model.Conversation, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != ownerID {
		return nil, &registrystore.ForbiddenError{}
	}
	return conv, nil
}

func (s *Store) UpdateConversation(ctx context.Context, ownerID string, conversationID uuid.UUID, update registrystore.ConversationUpdate) (*model.Conversation, error) {
	conv, err := s.ownedConversation(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	values := map[string]any{"updated_at": now()}
	if update.Title != nil {
		values["title"] = *update.Title
	}
	if update.ModelID != nil {
		values["model_id"] = *update.ModelID
	}
	if update.Visibility != nil {
		values["visibility"] = *update.Visibility
	}
	if err := s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(values).Error; err != nil {
		return nil, fault("update", "conversation", conv.ID.String(), err)
	}
	return s.GetConversation(ctx, conv.ID)
}

// DeleteConversation removes the conversation's turns and then the conversation.
func (s *Store) DeleteConversation(ctx context.Context, ownerID string, conversationID uuid.UUID) error {
	if _, err := s.ownedConversation(ctx, ownerID, conversationID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.Turn{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND owner_id = ?", conversationID, ownerID).Delete(&model.Conversation{}).Error
	})
	if err != nil {
		return fault("delete", "conversation", conversationID.String(), err)
	}
	return nil
}

func (s *Store) DeleteConversationsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Session(&gorm.Session{NewDB: true}).
			Model(&model.Conversation{}).
			Select("id").
			Where("owner_id = ?", ownerID)
		if err := tx.Where("conversation_id IN (?)", owned).Delete(&model.Turn{}).Error; err != nil {
			return err
		}
		res := tx.Where("owner_id = ?", ownerID).Delete(&model.Conversation{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fault("delete", "conversations of owner", ownerID, err)
	}
	return deleted, nil
}

// --- Turns ---

func (s *Store) CreateTurn(ctx context.Context, turn model.Turn) (*model.Turn, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now()
	} else {
		turn.CreatedAt = turn.CreatedAt.UTC().Truncate(time.Microsecond)
	}
	if err := s.db.WithContext(ctx).Create(&turn).Error; err != nil {
		return nil, fault("create", "turn", turn.ID, err)
	}
	return &turn, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (*model.Turn, error) {
	var turn model.Turn
	err := s.db.WithContext(ctx).Where("id = ?", turnID).First(&turn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "turn", ID: turnID}
	}
	if err != nil {
		return nil, fault("get", "turn", turnID, err)
	}
	return &turn, nil
}

func (s *Store) ListTurns(ctx context.Context, conversationID uuid.UUID) ([]model.Turn, error) {
	var turns []model.Turn
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&turns).Error; err != nil {
		return nil, fault("list", "turn", conversationID.String(), err)
	}
	return turns, nil
}

func (s *Store) ListTurnsForConversations(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]model.Turn, error) {
	result := make(map[uuid.UUID][]model.Turn, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return result, nil
	}
	var turns []model.Turn
	if err := s.db.WithContext(ctx).
		Where("conversation_id IN ?", conversationIDs).
		Order("created_at ASC, id ASC").
		Find(&turns).Error; err != nil {
		return nil, fault("list", "turn", "", err)
	}
	for _, t := range turns {
		result[t.ConversationID] = append(result[t.ConversationID], t)
	}
	return result, nil
}

// DeleteTurnsSince deletes every turn of the conversation created at or after since.
func (s *Store) DeleteTurnsSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("conversation_id = ? AND created_at >= ?", conversationID, since.UTC()).
		Delete(&model.Turn{})
	if res.Error != nil {
		return 0, fault("delete", "turn", conversationID.String(), res.Error)
	}
	return res.RowsAffected, nil
}

// --- Attachments ---

func (s *Store) CreateAttachment(ctx context.Context, attachment model.Attachment) (*model.Attachment, error) {
	if attachment.ID == uuid.Nil {
		attachment.ID = uuid.New()
	}
	ts := now()
	attachment.CreatedAt = ts
	attachment.UpdatedAt = ts
	if attachment.Status == "" {
		attachment.Status = model.AttachmentPending
	}
	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: "attachment storage key already in use", Code: "storage_key_exists"}
		}
		return nil, fault("create", "attachment", attachment.ID.String(), err)
	}
	return &attachment, nil
}

func (s *Store) GetAttachment(ctx context.Context, attachmentID uuid.UUID) (*model.Attachment, error) {
	var attachment model.Attachment
	err := s.db.WithContext(ctx).Where("id = ?", attachmentID).First(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	if err != nil {
		return nil, fault("get", "attachment", attachmentID.String(), err)
	}
	return &attachment, nil
}

var errActivationRejected = errors.New("activation rejected")

func (s *Store) ActivateAttachments(ctx context.Context, attachmentIDs []uuid.UUID, turnID string, ownerID string) ([]uuid.UUID, error) {
	ids := dedupe(attachmentIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var invalid []uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var eligible []model.Attachment
		if err := tx.Select("id").
			Where("id IN ? AND owner_id = ? AND status = ?", ids, ownerID, model.AttachmentPending).
			Find(&eligible).Error; err != nil {
			return err
		}
		ok := make(map[uuid.UUID]bool, len(eligible))
		for _, a := range eligible {
			ok[a.ID] = true
		}
		for _, id := range ids {
			if !ok[id] {
				invalid = append(invalid, id)
			}
		}
		if len(invalid) > 0 {
			return errActivationRejected
		}
		res := tx.Model(&model.Attachment{}).
			Where("id IN ? AND owner_id = ? AND status = ?", ids, ownerID, model.AttachmentPending).
			Updates(map[string]any{
				"status":     model.AttachmentActive,
				"turn_id":    turnID,
				"updated_at": now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			// A concurrent transition won the race for at least one id.
			invalid = ids
			return errActivationRejected
		}
		return nil
	})
	if errors.Is(err, errActivationRejected) {
		return invalid, nil
	}
	if err != nil {
		return nil, fault("activate", "attachment", turnID, err)
	}
	return nil, nil
}

func (s *Store) SetAttachmentStatus(ctx context.Context, attachmentID uuid.UUID, from, to model.AttachmentStatus, turnID *string) (bool, error) {
	values := map[string]any{
		"status":     to,
		"turn_id":    nil,
		"updated_at": now(),
	}
	if turnID != nil {
		values["turn_id"] = *turnID
	}
	res := s.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("id = ? AND status = ?", attachmentID, from).
		Updates(values)
	if res.Error != nil {
		return false, fault("update status", "attachment", attachmentID.String(), res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListAttachments(ctx context.Context, query registrystore.AttachmentQuery) ([]model.Attachment, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 200
	}
	var attachments []model.Attachment
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", query.Status, query.UpdatedBefore.UTC()).
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&attachments).Error; err != nil {
		return nil, fault("list", "attachment", "", err)
	}
	return attachments, nil
}

func (s *Store) ListOrphanedAttachments(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Attachment, error) {
	if limit <= 0 {
		limit = 200
	}
	var attachments []model.Attachment
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.AttachmentActive, updatedBefore.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM turns WHERE turns.id = attachments.turn_id)").
		Order("updated_at ASC, id ASC").
		Limit(limit).
		Find(&attachments).Error; err != nil {
		return nil, fault("list orphaned", "attachment", "", err)
	}
	return attachments, nil
}

func (s *Store) PurgeAttachments(ctx context.Context, status model.AttachmentStatus, updatedBefore time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore.UTC()).
		Delete(&model.Attachment{})
	if res.Error != nil {
		return 0, fault("purge", "attachment", string(status), res.Error)
	}
	return res.RowsAffected, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

var _ registrystore.ChatStore = (*Store)(nil)
