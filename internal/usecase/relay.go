package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"convo-relay/internal/domain"
)

const (
	defaultDebounceWindow  = 30 * time.Second
	defaultLockLease       = 600 * time.Second
	defaultPollInterval    = time.Second
	defaultTaskCeiling     = 10 * time.Minute
	defaultMaxAttempts     = 3
	defaultRetryDelay      = 5 * time.Second
	defaultMaxActiveDrains = 16
)

// Config carries the pipeline tunables. Zero values fall back to the
// reference defaults.
type Config struct {
	DebounceWindow  time.Duration
	LockLease       time.Duration
	PollInterval    time.Duration
	TaskCeiling     time.Duration
	MaxAttempts     int
	RetryDelay      time.Duration
	MaxActiveDrains int64
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = defaultDebounceWindow
	}
	if c.LockLease <= 0 {
		c.LockLease = defaultLockLease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.TaskCeiling <= 0 {
		c.TaskCeiling = defaultTaskCeiling
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxActiveDrains <= 0 {
		c.MaxActiveDrains = defaultMaxActiveDrains
	}
	return c
}

// AcceptInput mirrors the webhook body.
type AcceptInput = domain.InboundUpdate

// AcceptOutput is the fast acknowledgment returned to the webhook caller.
// The turn outcome is always delivered asynchronously via the CRM.
type AcceptOutput struct {
	EndUserKey string
	Refreshed  bool
}

// RelayService is the accept path: validate, resolve the conversation,
// and hand the turn to the debounce/dispatch pipeline.
type RelayService struct {
	crm        CRMService
	debouncer  *Debouncer
	dispatcher *Dispatcher
}

var newTurnID = func() string {
	return uuid.NewString()
}

// NewRelayService wires the whole pipeline: debouncer → dispatcher →
// sequenced turn execution under the distributed lock, governed by the
// retry budget.
func NewRelayService(store StateStore, jobs JobService, crm CRMService, cfg Config) (*RelayService, error) {
	if store == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if jobs == nil {
		return nil, errors.New("usecase: job service must not be nil")
	}
	if crm == nil {
		return nil, errors.New("usecase: crm service must not be nil")
	}
	cfg = cfg.withDefaults()

	runner := &turnRunner{
		store:     store,
		poller:    &poller{jobs: jobs, interval: cfg.PollInterval, ceiling: cfg.TaskCeiling},
		crm:       crm,
		lockLease: cfg.LockLease,
	}
	gov := &governor{maxAttempts: cfg.MaxAttempts, delay: cfg.RetryDelay}
	dispatcher := NewDispatcher(cfg.MaxActiveDrains, func(ctx context.Context, rec domain.TurnRecord) error {
		return gov.run(ctx, rec.EndUserKey, func(ctx context.Context) error {
			return runner.runOnce(ctx, rec)
		})
	})
	debouncer := NewDebouncer(store, cfg.DebounceWindow, dispatcher.Enqueue)

	return &RelayService{
		crm:        crm,
		debouncer:  debouncer,
		dispatcher: dispatcher,
	}, nil
}

// Accept validates one inbound update and feeds it to the debouncer. It
// never waits for the turn to run; the reply reaches the end user through
// the CRM conversation.
func (s *RelayService) Accept(ctx context.Context, in AcceptInput) (AcceptOutput, error) {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"thread_ref", in.ThreadRef},
		{"agent_ref", in.AgentRef},
		{"end_user_key", in.EndUserKey},
		{"message_text", in.MessageText},
	} {
		if absent(f.value) {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return AcceptOutput{}, newError(ErrorValidation, "missing_fields: "+strings.Join(missing, ", "), nil)
	}

	convRef := strings.TrimSpace(in.ConversationRef)
	if absent(convRef) {
		resolved, err := s.crm.FindConversationID(ctx, in.EndUserKey)
		if err != nil {
			// Resolution failure is a validation failure, never a job failure.
			return AcceptOutput{}, newError(ErrorValidation, "conversation_resolution_failed", err)
		}
		convRef = resolved
		// Write the resolved ref back so later updates skip the lookup.
		if err := s.crm.UpdateContact(ctx, in.EndUserKey, map[string]string{"conversation_ref": convRef}); err != nil {
			slog.Warn("conversation ref write-back failed",
				"end_user_key", in.EndUserKey, "err", err)
		}
	}

	rec := domain.TurnRecord{
		TurnID:          newTurnID(),
		EndUserKey:      in.EndUserKey,
		ThreadRef:       strings.TrimSpace(in.ThreadRef),
		AgentRef:        strings.TrimSpace(in.AgentRef),
		MessageText:     in.MessageText,
		ConversationRef: convRef,
		ReceivedAt:      time.Now().UTC(),
	}
	created, err := s.debouncer.Observe(ctx, rec)
	if err != nil {
		return AcceptOutput{}, err
	}
	if created {
		slog.Info("time delay started", "end_user_key", rec.EndUserKey, "turn_id", rec.TurnID)
	} else {
		slog.Info("time delay reset", "end_user_key", rec.EndUserKey, "turn_id", rec.TurnID)
	}
	return AcceptOutput{EndUserKey: rec.EndUserKey, Refreshed: !created}, nil
}

// Close drains shutdown in pipeline order: flush pending debounce records,
// then wait for running turns.
func (s *RelayService) Close() {
	s.debouncer.Stop()
	s.dispatcher.Close()
}

// absent reports a required field that is empty, whitespace, or the
// literal string "null" (some webhook senders serialize nulls that way).
func absent(v string) bool {
	t := strings.TrimSpace(v)
	return t == "" || t == "null"
}
