package usecase

import (
	"context"
	"log/slog"
	"time"

	"convo-relay/internal/domain"
)

// JobService is the long-running job collaborator: submit input to a
// thread, start a run, poll it, read the reply.
type JobService interface {
	CreateMessage(ctx context.Context, threadRef, role, text string) error
	StartRun(ctx context.Context, threadRef, agentRef string) (string, error)
	GetRunStatus(ctx context.Context, threadRef, runRef string) (domain.RunStatus, error)
	LatestAgentMessage(ctx context.Context, threadRef string) (string, error)
}

// poller drives one turn's job to a terminal status: submit the user
// message, start a run, poll at a fixed interval under a hard deadline.
type poller struct {
	jobs     JobService
	interval time.Duration
	ceiling  time.Duration
}

// runJob executes the full submit-and-poll cycle for one turn and returns
// the agent's reply text. The deadline bounds the whole cycle, submission
// included, so a turn can never outlive the task ceiling.
func (p *poller) runJob(ctx context.Context, rec domain.TurnRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.ceiling)
	defer cancel()

	if err := p.jobs.CreateMessage(ctx, rec.ThreadRef, "user", rec.MessageText); err != nil {
		return "", newError(ErrorSubmission, "create_message_failed", err)
	}
	runRef, err := p.jobs.StartRun(ctx, rec.ThreadRef, rec.AgentRef)
	if err != nil {
		return "", newError(ErrorSubmission, "start_run_failed", err)
	}
	slog.Info("run started", "end_user_key", rec.EndUserKey, "run_ref", runRef)

	status, err := p.awaitTerminal(ctx, rec, runRef)
	if err != nil {
		return "", err
	}
	if status != domain.RunCompleted {
		return "", newError(ErrorJobFailed, string(status), nil)
	}

	reply, err := p.jobs.LatestAgentMessage(ctx, rec.ThreadRef)
	if err != nil {
		return "", newError(ErrorTransientInfra, "fetch_reply_failed", err)
	}
	return reply, nil
}

func (p *poller) awaitTerminal(ctx context.Context, rec domain.TurnRecord, runRef string) (domain.RunStatus, error) {
	for {
		status, err := p.jobs.GetRunStatus(ctx, rec.ThreadRef, runRef)
		if err != nil {
			if ctx.Err() != nil {
				return "", newError(ErrorPollTimeout, "poll_deadline_exceeded", ctx.Err())
			}
			return "", newError(ErrorTransientInfra, "run_status_failed", err)
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return "", newError(ErrorPollTimeout, "poll_deadline_exceeded", ctx.Err())
		case <-time.After(p.interval):
		}
	}
}
