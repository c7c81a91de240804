package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentcompany/agentcompany/internal/core"
)

type createWorkflowRequest struct {
	Instruction string `json:"instruction"`
	ProjectID   string `json:"projectId"`
}

type decisionRequest struct {
	Action    string `json:"action"`
	Feedback  string `json:"feedback,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

type escalationRequest struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

type rollbackRequest struct {
	Phase string `json:"phase"`
}

type terminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleCreateWorkflow starts a new workflow from an instruction.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	wf, err := s.engine.StartWorkflow(req.Instruction, req.ProjectID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusCreated, wf)
}

// handleListWorkflows lists known runs, optionally filtered by
// ?status=.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := core.WorkflowStatus(r.URL.Query().Get("status"))
	if filter != "" && !core.ValidWorkflowStatus(filter) {
		respondError(w, http.StatusBadRequest, "invalid status filter: "+string(filter))
		return
	}

	infos, err := s.engine.ListWorkflows(filter)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{"workflows": infos})
}

// handleGetWorkflow returns the full workflow state.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wfID := core.WorkflowID(chi.URLParam(r, "workflowID"))
	wf, err := s.engine.GetWorkflowState(wfID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, wf)
}

// handleSubmitDecision resolves a pending approval.
func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	wfID := core.WorkflowID(chi.URLParam(r, "workflowID"))
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := s.engine.SubmitDecision(wfID, core.Decision{
		Action:    core.ApprovalAction(req.Action),
		Feedback:  req.Feedback,
		DecidedBy: req.DecidedBy,
		DecidedAt: time.Now().UTC(),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleSubmitEscalation resolves a pending escalation.
func (s *Server) handleSubmitEscalation(w http.ResponseWriter, r *http.Request) {
	wfID := core.WorkflowID(chi.URLParam(r, "workflowID"))
	var req escalationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	err := s.engine.HandleEscalation(wfID, core.EscalationDecision{
		Action:    core.EscalationAction(req.Action),
		Reason:    req.Reason,
		DecidedBy: req.DecidedBy,
		DecidedAt: time.Now().UTC(),
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleRollback moves the workflow to an earlier phase.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	wfID := core.WorkflowID(chi.URLParam(r, "workflowID"))
	var req rollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	target, err := core.ParsePhase(req.Phase)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.RollbackToPhase(wfID, target); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleTerminate requests workflow termination.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	wfID := core.WorkflowID(chi.URLParam(r, "workflowID"))
	var req terminateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if err := s.engine.TerminateWorkflow(wfID, req.Reason); err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleListApprovals returns every approval waiting on a principal.
func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, map[string]any{"approvals": s.engine.PendingApprovals()})
}

// handleAgentPerformance returns the recorded history and summary for
// one agent.
func (s *Server) handleAgentPerformance(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		respondError(w, http.StatusNotFound, "performance tracking is not enabled")
		return
	}
	agentID := chi.URLParam(r, "agentID")

	history, err := s.tracker.PerformanceHistory(agentID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	summary, err := s.tracker.Summarize(agentID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"agentId": agentID,
		"summary": summary,
		"history": history,
	})
}
