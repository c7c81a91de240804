package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/container"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/events"
	"github.com/agentcompany/agentcompany/internal/quality"
	"github.com/agentcompany/agentcompany/internal/review"
	"github.com/agentcompany/agentcompany/internal/tracker"
)

// maxDevelopmentRounds bounds how many working passes the development
// loop makes before the run is declared stuck. Idle polls do not count.
const maxDevelopmentRounds = 30

// resultPollWindow is how long one dispatcher pass blocks on the inbox.
const resultPollWindow = 500 * time.Millisecond

// dispatcherAddress is the engine's bus identity for one workflow. Task
// results and review verdicts come back to it.
func dispatcherAddress(wfID core.WorkflowID) string {
	return "engine-" + string(wfID)
}

// phaseDevelopment runs the dispatch loop: hand ready subtasks to
// workers, fold results and review verdicts back into progress, and
// escalate subtasks that burn through their retry budget.
func (e *Engine) phaseDevelopment(ctx context.Context, s *session) error {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	runID := s.wf.RunID
	projectID := s.wf.ProjectID
	s.mu.Unlock()

	proposal, err := e.store.LoadProposal(runID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.wf.Progress == nil {
		s.wf.Progress = core.NewProgress(proposal)
	}
	err = e.persistLocked(s)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	inbox := dispatcherAddress(wfID)
	workspace := e.projectDir(projectID)

	rounds := 0
	for {
		if s.terminate.Load() || ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		terminal := s.wf.IsTerminal()
		pendingEsc := s.wf.Escalation != nil
		allDone := s.wf.Progress.AllDone()
		inFlight := len(s.wf.Progress.InFlight())
		ready := len(s.wf.Progress.Ready(proposal))
		s.mu.Unlock()

		if terminal {
			return nil
		}
		if pendingEsc {
			// Present after a restore or a just-raised escalation.
			if err := e.awaitEscalation(ctx, s); err != nil {
				return err
			}
			continue
		}
		if allDone {
			return e.transition(s, core.PhaseQualityAssurance, "all subtasks completed")
		}
		if ready == 0 && inFlight == 0 {
			return core.ErrExecution(core.CodeExecutionStuck,
				fmt.Sprintf("workflow %s has unfinished subtasks but nothing to schedule", wfID))
		}

		dispatched, err := e.dispatchReady(ctx, s, proposal, workspace, inbox)
		if err != nil {
			return err
		}

		msgs, err := e.bus.Poll(ctx, inbox, resultPollWindow)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("dispatcher inbox poll failed", "workflow", wfID, "error", err)
			continue
		}
		handled := 0
		for _, m := range msgs {
			ok, err := e.handleBusMessage(ctx, s, m)
			if err != nil {
				return err
			}
			if ok {
				handled++
			}
			s.mu.Lock()
			terminal = s.wf.IsTerminal()
			s.mu.Unlock()
			if terminal {
				return nil
			}
		}

		if dispatched == 0 && handled == 0 {
			continue
		}
		rounds++
		if rounds > maxDevelopmentRounds {
			return core.ErrExecution(core.CodeExecutionStuck,
				fmt.Sprintf("development loop exceeded %d rounds", maxDevelopmentRounds))
		}
	}
}

// dispatchReady assigns every ready subtask a worker, up to pool
// capacity. It returns how many dispatches happened.
func (e *Engine) dispatchReady(ctx context.Context, s *session, proposal *core.Proposal, workspace, inbox string) (int, error) {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	runID := s.wf.RunID
	ready := s.wf.Progress.Ready(proposal)
	s.mu.Unlock()

	n := 0
	for _, id := range ready {
		if s.terminate.Load() || ctx.Err() != nil {
			return n, ctx.Err()
		}
		task, ok := proposal.Task(id)
		if !ok {
			return n, core.ErrState(core.CodeStateCorrupted,
				fmt.Sprintf("progress references task %s missing from proposal", id))
		}
		wtype := proposal.AssignedType(id)

		info, err := e.pool.AcquireByType(ctx, wtype)
		if err != nil {
			return n, err
		}
		if info == nil {
			// Pool full; the rest of the ready set waits for a release.
			break
		}
		if err := e.ensureSandbox(ctx, info.ID, workspace, e.store.RunDir(runID)); err != nil {
			if merr := e.pool.MarkError(ctx, info.ID, "sandbox provisioning failed"); merr != nil {
				e.logger.Warn("worker eviction failed", "worker", info.ID, "error", merr)
			}
			return n, err
		}
		e.company.EnsureWorker(info.ID, wtype)
		if err := e.pool.Assign(info.ID, id); err != nil {
			return n, err
		}

		branch := "work/" + id
		if e.vcs != nil {
			if err := e.vcs.CreateBranch(ctx, workspace, branch, e.cfg.IntegrationBranch); err != nil {
				e.logger.Warn("branch creation failed, dispatching without isolation",
					"workflow", wfID, "task", id, "error", err)
				branch = ""
			}
		}

		now := e.clock.Now().UTC()
		s.mu.Lock()
		sub, err := s.wf.Progress.Get(id)
		if err != nil {
			s.mu.Unlock()
			return n, err
		}
		sub.MarkAssigned(info.ID)
		sub.GitBranch = branch
		sub.MarkRunning(now)
		attempt := sub.Retries + 1
		feedback := append([]string(nil), sub.Feedback...)
		s.exec.WorkerAssignments[id] = info.ID
		if branch != "" {
			s.exec.GitBranches[id] = branch
		}
		s.exec.SavedAt = now
		err = e.persistLocked(s)
		s.mu.Unlock()
		if err != nil {
			return n, err
		}
		e.saveExecState(s)

		desc := task.Description
		if len(feedback) > 0 {
			desc += "\n\nFeedback from earlier attempts:\n- " + strings.Join(feedback, "\n- ")
		}
		msg, err := bus.NewMessage(bus.TypeTaskAssign, inbox, info.ID, bus.TaskAssignPayload{
			TicketID:    id,
			Title:       task.Title,
			Description: desc,
			WorkerType:  wtype,
			Workspace:   workspace,
			Branch:      branch,
			Attempt:     attempt,
		})
		if err != nil {
			return n, err
		}
		if err := e.bus.Send(ctx, msg); err != nil {
			return n, err
		}
		e.markTicket(s, id, core.TicketInProgress)

		if e.metrics != nil {
			e.metrics.ActiveWorkers.Set(float64(e.pool.Len()))
		}
		e.publish(events.NewSubtaskDispatchedEvent(string(wfID), id, info.ID, string(wtype), attempt))
		e.logger.Info("subtask dispatched",
			"workflow", wfID, "task", id, "worker", info.ID, "attempt", attempt)
		n++
	}
	return n, nil
}

// ensureSandbox gives a worker a running container before it takes
// work. A sandbox that survived the previous release is reused.
func (e *Engine) ensureSandbox(ctx context.Context, workerID, workspace, resultsDir string) error {
	if e.sandbox == nil {
		return nil
	}
	if wc := e.pool.Container(workerID); wc != nil && wc.State() == container.StateRunning {
		return nil
	}
	wc, err := e.sandbox(ctx, workerID, workspace, resultsDir)
	if err != nil {
		return err
	}
	return e.pool.AttachContainer(workerID, wc)
}

// saveExecState persists the resumable execution snapshot. The workflow
// document stays the record; snapshot failures are only logged.
func (e *Engine) saveExecState(s *session) {
	s.mu.Lock()
	runID := s.wf.RunID
	st := s.exec.Clone()
	s.mu.Unlock()
	if st == nil {
		return
	}
	if err := e.store.SaveExecutionState(runID, st); err != nil {
		e.logger.Warn("execution state snapshot failed", "run", runID, "error", err)
	}
}

// noteResultLocked folds a finished assignment into the resumable
// snapshot. Caller holds s.mu.
func (e *Engine) noteResultLocked(s *session, p *bus.TaskResultPayload, now time.Time) {
	delete(s.exec.WorkerAssignments, p.TicketID)
	if len(p.Transcript) > 0 {
		s.exec.ConversationHistories[p.TicketID] = p.Transcript
	}
	s.exec.SavedAt = now
}

// recordExecution files the worker's account of one subtask execution.
func (e *Engine) recordExecution(rec *core.ExecutionResult) {
	if err := e.store.SaveExecutionResult(rec.RunID, rec); err != nil {
		e.logger.Warn("execution result record failed",
			"run", rec.RunID, "ticket", rec.TicketID, "error", err)
	}
}

// artifactRecords lifts reported artifact names into records.
func artifactRecords(names []string, t time.Time) []core.ArtifactRecord {
	out := make([]core.ArtifactRecord, 0, len(names))
	for _, n := range names {
		out = append(out, core.ArtifactRecord{
			Name:        n,
			Source:      n,
			Action:      core.ArtifactCreated,
			CollectedAt: t,
		})
	}
	return out
}

// handleBusMessage routes one inbox message. The bool reports whether
// the message advanced the run; duplicates and strays do not.
func (e *Engine) handleBusMessage(ctx context.Context, s *session, m *bus.Message) (bool, error) {
	switch m.Type {
	case bus.TypeTaskResult:
		return e.handleTaskResult(ctx, s, m)
	case bus.TypeReviewResponse:
		return e.handleReviewResponse(ctx, s, m)
	case bus.TypeConflictEscalate:
		var p bus.ConflictEscalatePayload
		if err := m.DecodePayload(&p); err != nil {
			return false, nil
		}
		e.logger.Warn("worker raised a conflict",
			"task", p.TicketID, "worker", p.WorkerID, "reason", p.Reason)
		return false, nil
	default:
		e.logger.Debug("dispatcher ignoring message", "type", m.Type, "from", m.From)
		return false, nil
	}
}

// handleTaskResult folds one worker report into progress. Success files
// a review; failure retries or escalates.
func (e *Engine) handleTaskResult(ctx context.Context, s *session, m *bus.Message) (bool, error) {
	var p bus.TaskResultPayload
	if err := m.DecodePayload(&p); err != nil {
		e.logger.Warn("undecodable task result dropped", "from", m.From, "error", err)
		return false, nil
	}
	workerID := m.From
	now := e.clock.Now().UTC()

	s.mu.Lock()
	wfID := s.wf.WorkflowID
	runID := s.wf.RunID
	sub, err := s.wf.Progress.Get(p.TicketID)
	if err != nil || (sub.Status != core.SubtaskAssigned && sub.Status != core.SubtaskRunning) {
		// Stale or duplicate delivery; at-least-once makes these normal.
		s.mu.Unlock()
		return false, nil
	}
	started := now
	if sub.StartedAt != nil {
		started = *sub.StartedAt
	}
	e.noteResultLocked(s, &p, now)

	if p.Status == string(core.ExecutionSuccess) {
		branch := sub.GitBranch
		sub.MarkCompleted(now, p.Artifacts, branch)
		perr := e.persistLocked(s)
		s.mu.Unlock()
		if perr != nil {
			return false, perr
		}
		e.saveExecState(s)
		e.recordExecution(&core.ExecutionResult{
			RunID:             runID,
			TicketID:          p.TicketID,
			AgentID:           workerID,
			Status:            core.ExecutionSuccess,
			StartTime:         started,
			EndTime:           now,
			Artifacts:         artifactRecords(p.Artifacts, now),
			GitBranch:         branch,
			Commits:           []string{},
			Errors:            []string{},
			ConversationTurns: p.Turns,
			TokensUsed:        p.TokensUsed,
		})

		if err := e.pool.Release(ctx, workerID); err != nil {
			e.logger.Warn("worker release failed", "worker", workerID, "error", err)
		}
		e.publish(events.NewSubtaskCompletedEvent(string(wfID), p.TicketID, workerID))

		if err := e.requestReview(ctx, s, wfID, p.TicketID, workerID, branch, p.Artifacts); err != nil {
			return true, err
		}
		return true, nil
	}

	// Failure path.
	detail := p.Error
	if detail == "" {
		detail = p.Output
	}
	if detail == "" {
		detail = "worker reported " + p.Status
	}
	branch := sub.GitBranch
	sub.MarkFailed(detail)
	retries := sub.Retries
	wtype := sub.WorkerType
	perr := e.persistLocked(s)
	s.mu.Unlock()
	if perr != nil {
		return false, perr
	}
	e.saveExecState(s)
	status := core.ExecutionStatus(p.Status)
	if !core.ValidExecutionStatus(status) {
		status = core.ExecutionError
	}
	e.recordExecution(&core.ExecutionResult{
		RunID:             runID,
		TicketID:          p.TicketID,
		AgentID:           workerID,
		Status:            status,
		StartTime:         started,
		EndTime:           now,
		Artifacts:         artifactRecords(p.Artifacts, now),
		GitBranch:         branch,
		Commits:           []string{},
		Errors:            []string{detail},
		ConversationTurns: p.Turns,
		TokensUsed:        p.TokensUsed,
	})

	if err := e.pool.Release(ctx, workerID); err != nil {
		e.logger.Warn("worker release failed", "worker", workerID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.TaskRetries.Inc()
	}
	e.publish(events.NewSubtaskFailedEvent(string(wfID), p.TicketID, retries, detail))
	e.logger.Warn("subtask failed",
		"workflow", wfID, "task", p.TicketID, "attempt", retries, "error", detail)

	if retries >= e.maxRetries {
		return true, e.raiseEscalation(ctx, s, p.TicketID, wtype, detail, retries)
	}

	s.mu.Lock()
	sub.ResetForRetry()
	perr = e.persistLocked(s)
	s.mu.Unlock()
	return true, perr
}

// requestReview files the review and invites the review lead.
func (e *Engine) requestReview(ctx context.Context, s *session, wfID core.WorkflowID, taskID, workerID, branch string, artifacts []string) error {
	if err := s.review.RequestReview(review.Request{
		TicketID:  taskID,
		WorkerID:  workerID,
		Branch:    branch,
		Artifacts: artifacts,
		Checklist: "correctness, tests, style",
	}); err != nil {
		return err
	}

	msg, err := bus.NewMessage(bus.TypeReviewRequest, dispatcherAddress(wfID), e.company.ReviewerID(),
		bus.ReviewRequestPayload{
			TicketID:  taskID,
			WorkerID:  workerID,
			Branch:    branch,
			Checklist: []string{"correctness", "tests", "style"},
		})
	if err != nil {
		return err
	}
	if err := e.bus.Send(ctx, msg); err != nil {
		return err
	}
	e.publish(events.NewReviewRequestedEvent(string(wfID), taskID, workerID))
	return nil
}

// handleReviewResponse applies the reviewer's verdict: approval merges
// and closes the subtask, rejection reopens it with the feedback.
func (e *Engine) handleReviewResponse(ctx context.Context, s *session, m *bus.Message) (bool, error) {
	var p bus.ReviewResponsePayload
	if err := m.DecodePayload(&p); err != nil {
		e.logger.Warn("undecodable review response dropped", "from", m.From, "error", err)
		return false, nil
	}
	now := e.clock.Now().UTC()

	s.mu.Lock()
	wfID := s.wf.WorkflowID
	sub, err := s.wf.Progress.Get(p.TicketID)
	if err != nil || sub.Status != core.SubtaskCompleted || sub.ReviewStatus != core.ReviewPending {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	rec, err := s.review.SubmitReview(ctx, review.Decision{
		TicketID:   p.TicketID,
		ReviewerID: p.ReviewerID,
		Approve:    p.Approved,
		Feedback:   p.Feedback,
	})
	if err != nil {
		if rec == nil {
			// No filed request: a duplicate verdict. Drop it.
			return false, nil
		}
		// Approved but the integration merge failed; the work needs
		// another pass against the moved integration branch.
		e.logger.Warn("merge after approval failed, reopening subtask",
			"workflow", wfID, "task", p.TicketID, "error", err)
		s.mu.Lock()
		sub.Reopen("integration merge failed, rebase onto the integration branch")
		perr := e.persistLocked(s)
		s.mu.Unlock()
		return true, perr
	}

	if p.Approved {
		s.mu.Lock()
		sub.ReviewStatus = core.ReviewApproved
		s.reviews = append(s.reviews, *rec)
		s.wf.UpdatedAt = now
		perr := e.persistLocked(s)
		var dur time.Duration
		if sub.StartedAt != nil && sub.CompletedAt != nil {
			dur = sub.CompletedAt.Sub(*sub.StartedAt)
		}
		workerID := rec.WorkerID
		retries := sub.Retries
		s.mu.Unlock()
		if perr != nil {
			return true, perr
		}

		e.markTicket(s, p.TicketID, core.TicketCompleted)
		if e.tracker != nil && workerID != "" {
			if err := e.tracker.RecordPerformance(tracker.PerformanceRecord{
				AgentID:  workerID,
				TicketID: p.TicketID,
				Success:  true,
				Retries:  retries,
				Duration: dur,
			}); err != nil {
				e.logger.Warn("performance record failed", "worker", workerID, "error", err)
			}
		}
		e.publish(events.NewReviewDecidedEvent(string(wfID), p.TicketID, true))
		e.logger.Info("review approved", "workflow", wfID, "task", p.TicketID, "reviewer", p.ReviewerID)
		return true, nil
	}

	s.mu.Lock()
	sub.Reopen(p.Feedback)
	s.reviews = append(s.reviews, *rec)
	perr := e.persistLocked(s)
	s.mu.Unlock()
	if perr != nil {
		return true, perr
	}
	e.markTicket(s, p.TicketID, core.TicketRevisionRequired)
	e.publish(events.NewReviewDecidedEvent(string(wfID), p.TicketID, false))
	e.logger.Info("review rejected",
		"workflow", wfID, "task", p.TicketID, "reviewer", p.ReviewerID, "feedback", p.Feedback)
	return true, nil
}

// markTicket mirrors a subtask state change into the ticket tree.
func (e *Engine) markTicket(s *session, taskID string, status core.TicketStatus) {
	s.mu.Lock()
	ticketID := s.ticketIDs[taskID]
	s.mu.Unlock()
	if ticketID == "" {
		return
	}
	if err := e.tickets.SetStatus(ticketID, status); err != nil {
		e.logger.Debug("ticket status update failed", "ticket", ticketID, "error", err)
	}
}

// raiseEscalation pins the workflow on a principal decision for a
// subtask that exhausted its retries.
func (e *Engine) raiseEscalation(ctx context.Context, s *session, taskID string, wtype core.WorkerType, detail string, retries int) error {
	now := e.clock.Now().UTC()
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	s.wf.Escalation = &core.Escalation{
		TaskID:         taskID,
		WorkerType:     wtype,
		FailureDetails: detail,
		RetryCount:     retries,
		CreatedAt:      now,
	}
	err := s.wf.AwaitApproval(now)
	if err == nil {
		err = e.persistLocked(s)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	e.publish(events.NewEscalationRaisedEvent(string(wfID), taskID, retries))
	e.logger.Warn("subtask escalated",
		"workflow", wfID, "task", taskID, "retries", retries)
	return e.awaitEscalation(ctx, s)
}

// awaitEscalation blocks the driver until the principal resolves the
// pending escalation, then applies retry, skip or abort.
func (e *Engine) awaitEscalation(ctx context.Context, s *session) error {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	esc := s.wf.Escalation.Clone()
	s.mu.Unlock()
	if esc == nil {
		return nil
	}

	var d core.EscalationDecision
	select {
	case d = <-s.escalations:
	case <-ctx.Done():
		return ctx.Err()
	}

	now := e.clock.Now().UTC()
	switch d.Action {
	case core.EscalationRetry:
		s.mu.Lock()
		sub, err := s.wf.Progress.Get(esc.TaskID)
		if err == nil {
			sub.ResetForRetry()
			s.wf.Escalation = nil
			err = s.wf.ResumeRunning(now)
		}
		if err == nil {
			err = e.persistLocked(s)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		e.markTicket(s, esc.TaskID, core.TicketPending)

	case core.EscalationSkip:
		s.mu.Lock()
		sub, err := s.wf.Progress.Get(esc.TaskID)
		if err == nil {
			sub.MarkSkipped(now)
			s.wf.Escalation = nil
			err = s.wf.ResumeRunning(now)
		}
		if err == nil {
			err = e.persistLocked(s)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		e.markTicket(s, esc.TaskID, core.TicketFailed)

	case core.EscalationAbort:
		s.mu.Lock()
		s.wf.RecordError("エスカレーション対応: abort", false, now)
		s.wf.Escalation = nil
		s.wf.Terminate("escalation aborted by principal", now)
		err := e.persistLocked(s)
		s.mu.Unlock()
		if err != nil {
			e.logger.Error("persisting aborted workflow failed", "workflow", wfID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.WorkflowsTerminated.Inc()
		}
		e.publish(events.NewWorkflowTerminatedEvent(string(wfID), "escalation aborted by principal"))

	default:
		return core.ErrValidation(core.CodeInvalidDecision,
			fmt.Sprintf("unknown escalation action %q", d.Action))
	}

	if e.metrics != nil {
		e.metrics.EscalationsTotal.WithLabelValues(string(d.Action)).Inc()
	}
	e.publish(events.NewEscalationResolvedEvent(string(wfID), esc.TaskID, string(d.Action)))
	e.logger.Info("escalation resolved",
		"workflow", wfID, "task", esc.TaskID, "action", d.Action)
	return nil
}

// phaseQualityAssurance runs the workspace gate and either advances to
// delivery or reopens development with the gate's feedback.
func (e *Engine) phaseQualityAssurance(ctx context.Context, s *session) error {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	projectID := s.wf.ProjectID
	s.mu.Unlock()

	out, err := e.quality.Run(ctx, e.projectDir(projectID))
	if err != nil {
		return err
	}

	now := e.clock.Now().UTC()
	s.mu.Lock()
	s.wf.QualityResults = &core.QualityResults{Lint: out.Lint, Test: out.Test}
	s.wf.UpdatedAt = now
	err = e.persistLocked(s)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if e.tracker != nil {
		if err := e.tracker.RecordTechDebt(tracker.TechDebtRecord{
			ProjectID:  projectID,
			WorkflowID: wfID,
			LintPassed: out.Lint.Passed,
			LintIssues: len(out.Lint.Errors),
			TestPassed: out.Test != nil && out.Test.Passed,
		}); err != nil {
			e.logger.Warn("tech-debt record failed", "project", projectID, "error", err)
		}
	}
	e.publish(events.NewQualityGateFinishedEvent(string(wfID),
		out.Overall, out.Lint.Passed, out.Test != nil && out.Test.Passed))

	if out.Overall {
		return e.transition(s, core.PhaseDelivery, "quality gate passed")
	}

	if e.metrics != nil {
		e.metrics.GateFailures.Inc()
	}
	s.mu.Lock()
	s.qaRounds++
	rounds := s.qaRounds
	s.mu.Unlock()
	if rounds >= maxQARounds {
		return core.ErrExecution(core.CodeQualityGateFailed,
			fmt.Sprintf("quality gate failed %d times", rounds))
	}

	feedback := gateFeedback(out)
	s.mu.Lock()
	if s.wf.Progress == nil {
		s.mu.Unlock()
		return core.ErrState(core.CodeStateCorrupted, "quality failure without development progress")
	}
	id := e.reopen(s.wf.Progress)
	if id == "" {
		s.mu.Unlock()
		return core.ErrExecution(core.CodeQualityGateFailed,
			"quality gate failed and no subtask is available to reopen")
	}
	sub, err := s.wf.Progress.Get(id)
	if err == nil {
		sub.Reopen(feedback)
		err = s.wf.Rollback(core.PhaseDevelopment, "quality gate failed", now)
	}
	if err == nil {
		err = e.persistLocked(s)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	e.markTicket(s, id, core.TicketRevisionRequired)
	e.publish(events.NewPhaseTransitionEvent(string(wfID),
		string(core.PhaseQualityAssurance), string(core.PhaseDevelopment), "quality gate failed"))
	e.logger.Info("quality gate failed, reopening subtask",
		"workflow", wfID, "task", id, "round", rounds)
	return nil
}

// gateFeedback condenses the gate outcome into fix instructions for the
// reopened subtask.
func gateFeedback(out *quality.Outcome) string {
	var parts []string
	if out.Lint != nil && !out.Lint.Passed && !out.Lint.Skipped {
		parts = append(parts, "lint failed:")
		parts = append(parts, out.Lint.Errors...)
	}
	if out.Test != nil && !out.Test.Passed && !out.Test.Skipped {
		parts = append(parts, "tests failed:")
		parts = append(parts, out.Test.Errors...)
	}
	if len(parts) == 0 {
		return "quality gate failed"
	}
	return strings.Join(parts, "\n")
}
