package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/events"
)

// drive is one workflow's driver loop. Each phase function runs the
// workflow to its next transition; the loop exits when the workflow is
// terminal, the driver context ends, or an unrecoverable error forces
// the failed state.
func (e *Engine) drive(ctx context.Context, s *session) {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	s.phaseStart = e.clock.Now()
	s.mu.Unlock()
	defer e.finish(s)

	for {
		if s.terminate.Load() {
			e.finalizeTerminated(s)
			return
		}

		s.mu.Lock()
		phase := s.wf.CurrentPhase
		terminal := s.wf.IsTerminal()
		s.mu.Unlock()
		if terminal {
			return
		}

		err := e.runPhase(ctx, s, phase)

		if s.terminate.Load() {
			e.finalizeTerminated(s)
			return
		}
		if err == nil {
			continue
		}
		if approvalCancelled(err) {
			// A rollback released the gate; re-enter at the new phase.
			e.logger.Debug("approval wait released", "workflow", wfID)
			continue
		}
		if ctx.Err() != nil {
			// Engine shutdown: leave the run resumable, persist as-is.
			s.mu.Lock()
			if perr := e.persistLocked(s); perr != nil {
				e.logger.Error("persisting suspended workflow failed", "workflow", wfID, "error", perr)
			}
			s.mu.Unlock()
			e.logger.Info("driver suspended", "workflow", wfID)
			return
		}
		e.failWorkflow(s, err)
		return
	}
}

// runPhase executes one phase function with panic containment. A panic
// anywhere below the driver is dumped to disk and surfaced as an
// internal error so the workflow lands in failed instead of taking the
// process down.
func (e *Engine) runPhase(ctx context.Context, s *session, phase core.Phase) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.mu.Lock()
		wfID := s.wf.WorkflowID
		s.mu.Unlock()
		if e.dumps != nil {
			e.dumps.SetCurrentContext(string(phase), string(wfID))
			if path, derr := e.dumps.WriteCrashDump(r); derr != nil {
				e.logger.Error("crash dump write failed", "workflow", wfID, "error", derr)
			} else {
				e.logger.Error("crash dump written", "workflow", wfID, "path", path)
			}
		}
		err = core.ErrInternal(core.CodeDriverPanic,
			fmt.Sprintf("driver panic in %s: %v", phase, r))
	}()

	switch phase {
	case core.PhaseProposal:
		return e.phaseProposal(ctx, s)
	case core.PhaseApproval:
		return e.phaseApproval(ctx, s)
	case core.PhaseDevelopment:
		return e.phaseDevelopment(ctx, s)
	case core.PhaseQualityAssurance:
		return e.phaseQualityAssurance(ctx, s)
	case core.PhaseDelivery:
		return e.phaseDelivery(ctx, s)
	default:
		return core.ErrState(core.CodeInvalidPhase, fmt.Sprintf("driver in unknown phase %q", phase))
	}
}

// finish deregisters the session and settles the gauges.
func (e *Engine) finish(s *session) {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	s.mu.Unlock()

	e.mu.Lock()
	if _, ok := e.sessions[wfID]; ok {
		delete(e.sessions, wfID)
		if e.metrics != nil {
			e.metrics.RunningWorkflows.Dec()
		}
	}
	e.mu.Unlock()
	s.cancel()
}

// finalizeTerminated persists the absorbing terminated state.
func (e *Engine) finalizeTerminated(s *session) {
	now := e.clock.Now().UTC()
	s.mu.Lock()
	reason := s.terminationReason()
	s.wf.Escalation = nil
	s.wf.Terminate(reason, now)
	if err := e.persistLocked(s); err != nil {
		e.logger.Error("persisting terminated workflow failed", "workflow", s.wf.WorkflowID, "error", err)
	}
	wfID := s.wf.WorkflowID
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.WorkflowsTerminated.Inc()
	}
	e.publish(events.NewWorkflowTerminatedEvent(string(wfID), reason))
	e.logger.Info("workflow terminated", "workflow", wfID, "reason", reason)
}

// failWorkflow drops the workflow into failed with the error persisted.
func (e *Engine) failWorkflow(s *session, cause error) {
	now := e.clock.Now().UTC()
	s.mu.Lock()
	phase := s.wf.CurrentPhase
	s.wf.Fail(cause.Error(), false, now)
	if err := e.persistLocked(s); err != nil {
		e.logger.Error("persisting failed workflow failed", "workflow", s.wf.WorkflowID, "error", err)
	}
	wfID := s.wf.WorkflowID
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.WorkflowsFailed.Inc()
	}
	e.publish(events.NewWorkflowFailedEvent(string(wfID), string(phase), cause.Error()))
	e.logger.Error("workflow failed", "workflow", wfID, "phase", phase, "error", cause)
}

// transition moves the workflow to the next phase and persists before
// the driver suspends again.
func (e *Engine) transition(s *session, to core.Phase, reason string) error {
	now := e.clock.Now().UTC()
	s.mu.Lock()
	from := s.wf.CurrentPhase
	if err := s.wf.TransitionTo(to, reason, now); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := e.persistLocked(s); err != nil {
		s.mu.Unlock()
		return err
	}
	wfID := s.wf.WorkflowID
	started := s.phaseStart
	s.phaseStart = now
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()
		e.metrics.PhaseDuration.WithLabelValues(string(from)).Observe(now.Sub(started).Seconds())
	}
	e.publish(events.NewPhaseTransitionEvent(string(wfID), string(from), string(to), reason))
	e.logger.Info("phase transition", "workflow", wfID, "from", from, "to", to, "reason", reason)
	return nil
}

// phaseProposal convenes the planning meeting and derives the proposal.
func (e *Engine) phaseProposal(ctx context.Context, s *session) error {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	runID := s.wf.RunID
	instruction := s.wf.Instruction
	feedback := append([]string(nil), s.feedback...)
	version := s.version
	s.mu.Unlock()

	topic := instruction
	if len(feedback) > 0 {
		topic = fmt.Sprintf("%s (revision %d)", instruction, version)
	}
	minutes, err := e.meetings.Convene(ctx, wfID, runID, topic, e.company.Participants())
	if err != nil {
		return err
	}

	now := e.clock.Now().UTC()
	s.mu.Lock()
	s.wf.AttachMinutes(minutes.ID, now)
	err = e.persistLocked(s)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	proposal, err := e.planner(instruction, feedback, minutes, version)
	if err != nil {
		return err
	}
	if err := proposal.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveProposal(runID, proposal); err != nil {
		return err
	}

	ids := e.seedTickets(wfID, instruction, proposal.TaskBreakdown)
	s.mu.Lock()
	s.ticketIDs = ids
	s.mu.Unlock()
	return e.transition(s, core.PhaseApproval, "proposal ready for approval")
}

// seedTickets mirrors the proposal into the ticket tree and returns the
// task-to-ticket mapping. Ticket failures never fail the run; the tree
// is a working aid, not the record.
func (e *Engine) seedTickets(wfID core.WorkflowID, instruction string, tasks []core.TaskBreakdownItem) map[string]string {
	ids := make(map[string]string, len(tasks))
	root, err := e.tickets.CreateRoot(wfID, instruction, "workflow root ticket")
	if err != nil {
		e.logger.Warn("ticket root creation failed", "workflow", wfID, "error", err)
		return ids
	}
	for _, t := range tasks {
		child, err := e.tickets.AddChild(root.ID, t.Title, t.Description)
		if err != nil {
			e.logger.Warn("ticket creation failed", "workflow", wfID, "task", t.ID, "error", err)
			continue
		}
		ids[t.ID] = child.ID
	}
	return ids
}

// phaseApproval parks the workflow on the gate and applies the verdict.
func (e *Engine) phaseApproval(ctx context.Context, s *session) error {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	runID := s.wf.RunID
	s.mu.Unlock()

	proposal, err := e.store.LoadProposal(runID)
	if err != nil {
		return err
	}

	fut, err := e.gate.RequestApproval(wfID, core.PhaseApproval, renderProposal(proposal))
	if err != nil {
		return err
	}

	now := e.clock.Now().UTC()
	s.mu.Lock()
	if err := s.wf.AwaitApproval(now); err != nil {
		s.mu.Unlock()
		return err
	}
	err = e.persistLocked(s)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.PendingApprovals.Set(float64(len(e.gate.PendingAll())))
	}
	e.publish(events.NewApprovalRequestedEvent(string(wfID), string(core.PhaseApproval), proposal.Summary))

	d, err := fut.Wait(ctx)
	if err != nil {
		return err
	}

	now = e.clock.Now().UTC()
	s.mu.Lock()
	s.wf.RecordDecision(*d, now)
	resumeErr := s.wf.ResumeRunning(now)
	if resumeErr == nil {
		resumeErr = e.persistLocked(s)
	}
	s.mu.Unlock()
	if resumeErr != nil {
		return resumeErr
	}

	switch d.Action {
	case core.ApprovalApprove:
		return e.transition(s, core.PhaseDevelopment, "proposal approved")

	case core.ApprovalRequestRevision:
		s.mu.Lock()
		if d.Feedback != "" {
			s.feedback = append(s.feedback, d.Feedback)
		}
		s.version++
		s.mu.Unlock()
		return e.transition(s, core.PhaseProposal, "revision requested by principal")

	case core.ApprovalReject:
		e.terminateNow(s, "proposal rejected")
		return nil

	default:
		return core.ErrValidation(core.CodeInvalidDecision, fmt.Sprintf("unknown approval action %q", d.Action))
	}
}

// terminateNow persists the terminated state directly, without the
// termination flag round trip.
func (e *Engine) terminateNow(s *session, reason string) {
	now := e.clock.Now().UTC()
	s.mu.Lock()
	s.wf.Escalation = nil
	s.wf.Terminate(reason, now)
	if err := e.persistLocked(s); err != nil {
		e.logger.Error("persisting terminated workflow failed", "workflow", s.wf.WorkflowID, "error", err)
	}
	wfID := s.wf.WorkflowID
	s.mu.Unlock()

	if e.metrics != nil {
		e.metrics.WorkflowsTerminated.Inc()
	}
	e.publish(events.NewWorkflowTerminatedEvent(string(wfID), reason))
	e.logger.Info("workflow terminated", "workflow", wfID, "reason", reason)
}

// phaseDelivery assembles the deliverable and waits for the final
// confirmation.
func (e *Engine) phaseDelivery(ctx context.Context, s *session) error {
	s.mu.Lock()
	wfID := s.wf.WorkflowID
	runID := s.wf.RunID
	s.mu.Unlock()

	proposal, err := e.store.LoadProposal(runID)
	if err != nil {
		return err
	}

	deliverable := e.buildDeliverable(s, proposal)
	now := e.clock.Now().UTC()
	s.mu.Lock()
	s.wf.Deliverable = deliverable
	err = e.persistLocked(s)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	fut, err := e.gate.RequestApproval(wfID, core.PhaseDelivery, deliverable.SummaryReport)
	if err != nil {
		return err
	}
	now = e.clock.Now().UTC()
	s.mu.Lock()
	if err := s.wf.AwaitApproval(now); err != nil {
		s.mu.Unlock()
		return err
	}
	err = e.persistLocked(s)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.PendingApprovals.Set(float64(len(e.gate.PendingAll())))
	}
	e.publish(events.NewApprovalRequestedEvent(string(wfID), string(core.PhaseDelivery), deliverable.SummaryReport))

	d, err := fut.Wait(ctx)
	if err != nil {
		return err
	}

	now = e.clock.Now().UTC()
	s.mu.Lock()
	s.wf.RecordDecision(*d, now)
	resumeErr := s.wf.ResumeRunning(now)
	if resumeErr == nil {
		resumeErr = e.persistLocked(s)
	}
	s.mu.Unlock()
	if resumeErr != nil {
		return resumeErr
	}

	switch d.Action {
	case core.ApprovalApprove:
		return e.completeWorkflow(s)

	case core.ApprovalRequestRevision:
		if err := e.reopenForRevision(s, d.Feedback); err != nil {
			return err
		}
		return e.transition(s, core.PhaseDevelopment, "delivery revision requested")

	case core.ApprovalReject:
		e.terminateNow(s, "deliverable rejected")
		return nil

	default:
		return core.ErrValidation(core.CodeInvalidDecision, fmt.Sprintf("unknown approval action %q", d.Action))
	}
}

// completeWorkflow finalizes the run: completed status, final report,
// performance bookkeeping.
func (e *Engine) completeWorkflow(s *session) error {
	now := e.clock.Now().UTC()
	s.mu.Lock()
	if err := s.wf.Complete(now); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := e.persistLocked(s); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := s.wf.Clone()
	started := s.started
	s.mu.Unlock()

	if _, err := e.reporter.Write(snapshot); err != nil {
		e.logger.Warn("final report rendering failed", "workflow", snapshot.WorkflowID, "error", err)
	}

	if e.metrics != nil {
		e.metrics.WorkflowsCompleted.Inc()
	}
	e.publish(events.NewWorkflowCompletedEvent(
		string(snapshot.WorkflowID), snapshot.RunID, time.Since(started).Milliseconds()))
	e.logger.Info("workflow completed", "workflow", snapshot.WorkflowID, "run", snapshot.RunID)
	return nil
}

// reopenForRevision puts the reopen policy's pick back in line with the
// principal's feedback attached.
func (e *Engine) reopenForRevision(s *session, feedback string) error {
	now := e.clock.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wf.Progress == nil {
		return core.ErrState(core.CodeStateCorrupted, "delivery revision without development progress")
	}
	id := e.reopen(s.wf.Progress)
	if id == "" {
		return core.ErrState(core.CodeExecutionStuck, "no subtask available to reopen for revision")
	}
	sub, err := s.wf.Progress.Get(id)
	if err != nil {
		return err
	}
	sub.Reopen(feedback)
	s.wf.UpdatedAt = now
	return e.persistLocked(s)
}

// buildDeliverable folds progress, artifacts and review history into
// the principal-facing package.
func (e *Engine) buildDeliverable(s *session, proposal *core.Proposal) *core.Deliverable {
	now := e.clock.Now().UTC()

	s.mu.Lock()
	progress := s.wf.Progress.Clone()
	quality := s.wf.QualityResults.Clone()
	runID := s.wf.RunID
	instruction := s.wf.Instruction
	reviews := append([]core.ReviewRecord(nil), s.reviews...)
	s.mu.Unlock()

	d := &core.Deliverable{
		TestResults:   quality,
		ReviewHistory: reviews,
		CreatedAt:     now,
	}

	titles := make(map[string]string, len(proposal.TaskBreakdown))
	for _, t := range proposal.TaskBreakdown {
		titles[t.ID] = t.Title
	}
	completed, skipped := 0, 0
	if progress != nil {
		for _, id := range progress.Order {
			sub := progress.Subtasks[id]
			switch sub.Status {
			case core.SubtaskSkipped:
				skipped++
				continue
			case core.SubtaskCompleted:
				completed++
			default:
				continue
			}
			d.Changes = append(d.Changes, core.ChangeSummary{
				TaskID:      id,
				Description: titles[id],
				Files:       append([]string(nil), sub.Artifacts...),
				GitBranch:   sub.GitBranch,
			})
		}
	}

	if arts, err := e.store.Artifacts(runID); err == nil {
		for _, a := range arts {
			d.Artifacts = append(d.Artifacts, a.Name)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Delivered: %s\n\n", instruction)
	fmt.Fprintf(&b, "- Subtasks completed: %d\n", completed)
	if skipped > 0 {
		fmt.Fprintf(&b, "- Subtasks skipped: %d\n", skipped)
	}
	if quality != nil {
		fmt.Fprintf(&b, "- Quality gate: lint=%s test=%s\n",
			checkWord(quality.Lint), checkWord(quality.Test))
	}
	fmt.Fprintf(&b, "- Artifacts collected: %d\n", len(d.Artifacts))
	d.SummaryReport = b.String()
	return d
}

func checkWord(c *core.QualityCheckResult) string {
	switch {
	case c == nil:
		return "not-run"
	case c.Skipped:
		return "skipped"
	case c.Passed:
		return "passed"
	default:
		return "failed"
	}
}

// renderProposal formats a proposal for the approval console.
func renderProposal(p *core.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Proposal v%d\n\n%s\n\n", p.Version, p.Summary)
	fmt.Fprintf(&b, "## Scope\n\n%s\n\n## Tasks\n\n", p.Scope)
	for _, t := range p.TaskBreakdown {
		fmt.Fprintf(&b, "- %s [%s] %s\n", t.ID, t.WorkerType, t.Title)
	}
	if len(p.RiskAssessment) > 0 {
		b.WriteString("\n## Risks\n\n")
		for _, r := range p.RiskAssessment {
			fmt.Fprintf(&b, "- (%s) %s — mitigation: %s\n", r.Severity, r.Description, r.Mitigation)
		}
	}
	return b.String()
}

// approvalCancelled reports whether an approval wait ended because the
// gate entry was cancelled rather than decided.
func approvalCancelled(err error) bool {
	var de *core.DomainError
	return errors.As(err, &de) && de.Code == core.CodeApprovalTimeout
}
