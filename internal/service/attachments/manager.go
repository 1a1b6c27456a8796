// Package attachments governs the lifecycle of uploaded files. An attachment is
// pending after upload, active once bound to a turn, and deleted when its blob is
// gone. Status changes are compare-and-set updates on the record, and the blob is
// always written before the record exists and removed before the record says deleted.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

const (
	sniffLength = 3072
	sweepBatch  = 200
	// casAttempts bounds how often a transition re-reads a record that moved under it.
	casAttempts = 3
)

// Options configures a Manager.
type Options struct {
	MaxSize      int64
	URLExpiresIn time.Duration
}

// Manager implements the attachment state machine.
type Manager struct {
	store     registrystore.ChatStore
	blobs     registryattach.BlobStore
	maxSize   int64
	urlExpiry time.Duration
	now       func() time.Time
}

// NewManager returns a Manager over store and blobs.
func NewManager(store registrystore.ChatStore, blobs registryattach.BlobStore, opts Options) *Manager {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10 * 1024 * 1024
	}
	if opts.URLExpiresIn <= 0 {
		opts.URLExpiresIn = time.Hour
	}
	return &Manager{
		store:     store,
		blobs:     blobs,
		maxSize:   opts.MaxSize,
		urlExpiry: opts.URLExpiresIn,
		now:       time.Now,
	}
}

// UploadRequest describes one multipart file. Size is the declared size, or -1 when unknown.
type UploadRequest struct {
	Owner       string
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

func validationError(filename, message string) error {
	return &registrystore.ValidationError{Field: "file", Message: message, Filename: filename}
}

// StorageKey is the immutable blob key of a new attachment.
func StorageKey(owner string, id uuid.UUID, ext string) string {
	return fmt.Sprintf("uploads/%s/%s%s", url.PathEscape(owner), id, ext)
}

// Upload validates and stores a file, then records it as pending.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (*model.Attachment, error) {
	v, err := Validate(Metadata{Name: req.Name, Size: req.Size, ContentType: req.ContentType}, m.maxSize)
	if err != nil {
		return nil, err
	}

	head := make([]byte, sniffLength)
	n, err := io.ReadFull(req.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &registrystore.StoreFault{Op: "read", Entity: "upload", ID: v.Name, Err: err}
	}
	head = head[:n]
	if !ContentMatches(v.ContentType, head) {
		return nil, validationError(v.Name, MsgContentMismatch)
	}

	id := uuid.New()
	key := StorageKey(req.Owner, id, v.Extension)
	body := io.MultiReader(bytes.NewReader(head), req.Body)
	res, err := m.blobs.Store(ctx, key, body, m.maxSize, v.ContentType)
	if errors.Is(err, registryattach.ErrTooLarge) {
		return nil, validationError(v.Name, SizeLimitMessage(m.maxSize))
	}
	if err != nil {
		return nil, &registrystore.StoreFault{Op: "store", Entity: "blob", ID: key, Err: err}
	}

	att, err := m.store.CreateAttachment(ctx, model.Attachment{
		ID:          id,
		OwnerID:     req.Owner,
		Name:        v.Name,
		ContentType: v.ContentType,
		Size:        res.Size,
		SHA256:      res.SHA256,
		StorageKey:  key,
		Status:      model.AttachmentPending,
	})
	if err != nil {
		if delErr := m.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			log.Warn("Failed to remove blob after record write failed", "storageKey", key, "err", delErr)
		}
		var fault *registrystore.StoreFault
		if errors.As(err, &fault) {
			return nil, err
		}
		return nil, &registrystore.StoreFault{Op: "create", Entity: "attachment", ID: id.String(), Err: err}
	}
	security.RecordAttachmentTransition("new", string(model.AttachmentPending), 1)
	log.Debug("Attachment uploaded", "attachmentId", att.ID, "owner", req.Owner, "size", att.Size)
	return att, nil
}

// Activate binds pending attachments of owner to turnID. Either every id becomes
// active or none does.
func (m *Manager) Activate(ctx context.Context, ids []uuid.UUID, turnID string, owner string) error {
	if len(ids) == 0 {
		return nil
	}
	invalid, err := m.store.ActivateAttachments(ctx, ids, turnID, owner)
	if err != nil {
		return err
	}
	if len(invalid) > 0 {
		return &registrystore.ActivationError{Invalid: invalid}
	}
	security.RecordAttachmentTransition(string(model.AttachmentPending), string(model.AttachmentActive), len(ids))
	return nil
}

// ActivateOnTurn activates ids against an existing turn after checking that owner
// owns the turn's conversation.
func (m *Manager) ActivateOnTurn(ctx context.Context, ids []uuid.UUID, turnID string, owner string) error {
	turn, err := m.store.GetTurn(ctx, turnID)
	if err != nil {
		return err
	}
	conv, err := m.store.GetConversation(ctx, turn.ConversationID)
	if err != nil {
		return err
	}
	if conv.OwnerID != owner {
		return &registrystore.NotFoundError{Resource: "turn", ID: turnID}
	}
	return m.Activate(ctx, ids, turnID, owner)
}

// Get returns the attachment if owner owns it.
func (m *Manager) Get(ctx context.Context, id uuid.UUID, owner string) (*model.Attachment, error) {
	att, err := m.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if att.OwnerID != owner {
		return nil, &registrystore.NotFoundError{Resource: "attachment", ID: id.String()}
	}
	return att, nil
}

// Transition moves an owned attachment to target. Moving to deleted removes the blob
// before the record changes; a blob failure leaves the record as it was.
func (m *Manager) Transition(ctx context.Context, id uuid.UUID, owner string, target model.AttachmentStatus, turnID *string) (*model.Attachment, error) {
	att, err := m.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if !att.Status.CanTransition(target) {
		return nil, &registrystore.InvalidTransitionError{ID: id, From: att.Status, To: target}
	}
	if target == model.AttachmentActive && (turnID == nil || *turnID == "") {
		return nil, registrystore.BadRequest("activating attachment %s requires a turn", id)
	}
	if target == model.AttachmentDeleted {
		if err := m.blobs.Delete(ctx, att.StorageKey); err != nil {
			return nil, &registrystore.StoreFault{Op: "delete", Entity: "blob", ID: att.StorageKey, Err: err}
		}
	}
	return m.compareAndSet(ctx, att, target, turnID)
}

// compareAndSet retries from the freshly read status while the edge stays legal. Two
// deletes racing on one id both succeed; a delete racing an activation ends deleted
// because the blob is already gone.
func (m *Manager) compareAndSet(ctx context.Context, att *model.Attachment, target model.AttachmentStatus, turnID *string) (*model.Attachment, error) {
	from := att.Status
	for attempt := 0; attempt < casAttempts; attempt++ {
		ok, err := m.store.SetAttachmentStatus(ctx, att.ID, from, target, turnID)
		if err != nil {
			return nil, err
		}
		if ok {
			security.RecordAttachmentTransition(string(from), string(target), 1)
			return m.store.GetAttachment(ctx, att.ID)
		}
		current, err := m.store.GetAttachment(ctx, att.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == target && target == model.AttachmentDeleted {
			return current, nil
		}
		if !current.Status.CanTransition(target) {
			return nil, &registrystore.InvalidTransitionError{ID: att.ID, From: current.Status, To: target}
		}
		from = current.Status
	}
	return nil, &registrystore.ConflictError{Message: fmt.Sprintf("attachment %s changed concurrently", att.ID), Code: "attachment_busy"}
}

// Delete removes an owned attachment. Deleting an already deleted attachment succeeds
// without side effects. An attachment owned by someone else yields ForbiddenError.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	att, err := m.store.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if att.OwnerID != owner {
		return &registrystore.ForbiddenError{}
	}
	if att.Status == model.AttachmentDeleted {
		return nil
	}
	_, err = m.Transition(ctx, id, owner, model.AttachmentDeleted, nil)
	return err
}

// ReclaimAbandoned deletes pending attachments last touched more than olderThan ago.
// Failures are logged and the item is left for the next run.
func (m *Manager) ReclaimAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	return m.sweep(ctx, "abandoned", func() ([]model.Attachment, error) {
		return m.store.ListAttachments(ctx, registrystore.AttachmentQuery{
			Status:        model.AttachmentPending,
			UpdatedBefore: cutoff,
			Limit:         sweepBatch,
		})
	})
}

// ReclaimOrphaned deletes active attachments whose turn no longer exists, which happens
// when conversations or trailing turns are deleted.
func (m *Manager) ReclaimOrphaned(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().Add(-olderThan)
	return m.sweep(ctx, "orphaned", func() ([]model.Attachment, error) {
		return m.store.ListOrphanedAttachments(ctx, cutoff, sweepBatch)
	})
}

func (m *Manager) sweep(ctx context.Context, phase string, list func() ([]model.Attachment, error)) (int, error) {
	reclaimed := 0
	failed := make(map[uuid.UUID]bool)
	for {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		batch, err := list()
		if err != nil {
			return reclaimed, err
		}
		progress := false
		for _, att := range batch {
			if failed[att.ID] {
				continue
			}
			if err := m.blobs.Delete(ctx, att.StorageKey); err != nil {
				log.Warn("Attachment reclaim blob delete failed", "phase", phase, "attachmentId", att.ID, "err", err)
				failed[att.ID] = true
				continue
			}
			// The blob is gone, so the record must end deleted even if it changed since
			// it was listed (for example activated onto a turn).
			if _, err := m.compareAndSet(ctx, &att, model.AttachmentDeleted, nil); err != nil {
				log.Error("Attachment reclaim status update failed", "phase", phase, "attachmentId", att.ID, "err", err)
				failed[att.ID] = true
				continue
			}
			reclaimed++
			progress = true
		}
		if len(batch) < sweepBatch || !progress {
			break
		}
	}
	security.RecordSweep(phase, int64(reclaimed))
	return reclaimed, nil
}

// PurgeDeleted removes deleted records older than olderThan. Their blobs are already gone.
func (m *Manager) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := m.store.PurgeAttachments(ctx, model.AttachmentDeleted, m.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	security.RecordSweep("purged", n)
	return int(n), nil
}

// ContentPath is the service route that streams an attachment's bytes.
func ContentPath(id uuid.UUID) string {
	return "/v1/attachments/" + id.String() + "/content"
}

// RetrievalURL returns a presigned download URL or, when the blob store cannot sign,
// the service's own content path.
func (m *Manager) RetrievalURL(ctx context.Context, att *model.Attachment) (string, error) {
	u, err := m.blobs.GetSignedURL(ctx, att.StorageKey, m.urlExpiry)
	if errors.Is(err, registryattach.ErrSignedURLUnsupported) {
		return ContentPath(att.ID), nil
	}
	if err != nil {
		return "", &registrystore.StoreFault{Op: "sign", Entity: "blob", ID: att.StorageKey, Err: err}
	}
	return u.String(), nil
}

// Open streams the blob of an owned, non-deleted attachment.
func (m *Manager) Open(ctx context.Context, id uuid.UUID, owner string) (io.ReadCloser, *model.Attachment, error) {
	att, err := m.Get(ctx, id, owner)
	if err != nil {
		return nil, nil, err
	}
	if att.Status == model.AttachmentDeleted {
		return nil, nil, &registrystore.NotFoundError{Resource: "attachment", ID: id.String()}
	}
	rc, err := m.blobs.Retrieve(ctx, att.StorageKey)
	if err != nil {
		return nil, nil, &registrystore.StoreFault{Op: "retrieve", Entity: "blob", ID: att.StorageKey, Err: err}
	}
	return rc, att, nil
}
