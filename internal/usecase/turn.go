package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"convo-relay/internal/domain"
)

// StateStore is the shared key-value collaborator holding debounce
// snapshots and the distributed turn lock. It is never used for durable
// business data.
type StateStore interface {
	RecordUpdate(ctx context.Context, rec domain.TurnRecord, window time.Duration) (created bool, err error)
	TryAcquireLock(ctx context.Context, endUserKey, holder string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, endUserKey string) error
}

// CRMService is the conversation-side collaborator: resolve conversations,
// deliver replies, update contact fields.
type CRMService interface {
	FindConversationID(ctx context.Context, endUserKey string) (string, error)
	PostReply(ctx context.Context, conversationID, text string) error
	UpdateContact(ctx context.Context, contactID string, fields map[string]string) error
}

// turnRunner executes a single attempt of one turn: take the distributed
// lock for the key, drive the job to completion, deliver the reply, release
// the lock.
type turnRunner struct {
	store     StateStore
	poller    *poller
	crm       CRMService
	lockLease time.Duration
}

var newHolderToken = func() string {
	return uuid.NewString()
}

// runOnce holds the turn lock for the whole job duration. The lease is a
// safety net against crashed holders, not a strict mutex: after a crash and
// lease expiry the turn may run twice, which the CRM-update boundary must
// tolerate.
func (r *turnRunner) runOnce(ctx context.Context, rec domain.TurnRecord) error {
	holder := newHolderToken()
	acquired, err := r.store.TryAcquireLock(ctx, rec.EndUserKey, holder, r.lockLease)
	if err != nil {
		return newError(ErrorTransientInfra, "lock_acquire_failed", err)
	}
	if !acquired {
		slog.Info("already processing, deferring turn",
			"end_user_key", rec.EndUserKey, "turn_id", rec.TurnID)
		return newError(ErrorLockContention, "already_processing", nil)
	}
	defer func() {
		// Unconditional: a held lock must never outlive its turn attempt.
		if relErr := r.store.ReleaseLock(context.WithoutCancel(ctx), rec.EndUserKey); relErr != nil {
			slog.Error("turn lock release failed",
				"end_user_key", rec.EndUserKey, "err", relErr)
		}
	}()

	reply, err := r.poller.runJob(ctx, rec)
	if err != nil {
		return err
	}
	if err := r.crm.PostReply(ctx, rec.ConversationRef, reply); err != nil {
		return newError(ErrorTransientInfra, "post_reply_failed", err)
	}
	slog.Info("turn completed",
		"end_user_key", rec.EndUserKey,
		"turn_id", rec.TurnID,
		"conversation_ref", rec.ConversationRef)
	return nil
}
