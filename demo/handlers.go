package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nvcnvn/rewind"
)

// resultWaitTimeout bounds how long GET /result blocks before reporting the
// in-flight status instead.
const resultWaitTimeout = 30 * time.Second

// Server exposes the loan application workflow over HTTP.
type Server struct {
	client rewind.Client
	logger *slog.Logger
}

type CreateLoanRequest struct {
	ApplicantName string  `json:"applicant_name"`
	Amount        float64 `json:"amount"`
	Purpose       string  `json:"purpose"`
}

type CreateLoanResponse struct {
	ApplicationID string `json:"application_id"`
}

type SubmitDocumentRequest struct {
	DocumentType string `json:"document_type"`
	DocumentID   string `json:"document_id"`
}

type SubmitApprovalRequest struct {
	ApproverRole string `json:"approver_role"`
	Approved     bool   `json:"approved"`
	Comments     string `json:"comments"`
}

// LoanStatusResponse is the API view of an instance. Decision is set once
// the application completed; Failure carries the error of a failed or
// terminated one.
type LoanStatusResponse struct {
	ApplicationID string                 `json:"application_id"`
	Status        string                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Decision      *LoanDecision          `json:"decision,omitempty"`
	Failure       *rewind.FailureDetails `json:"failure,omitempty"`
}

var knownDocumentTypes = map[string]bool{
	"identity": true,
	"income":   true,
	"address":  true,
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ApplicantName == "" {
		writeError(w, http.StatusBadRequest, "applicant_name is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	exec, err := rewind.Start(r.Context(), s.client, LoanApplication, LoanApplicationInput{
		ApplicantName: req.ApplicantName,
		Amount:        req.Amount,
		Purpose:       req.Purpose,
	})
	if err != nil {
		s.logger.Error("failed to start application", "error", err)
		writeError(w, http.StatusInternalServerError, "could not start application")
		return
	}
	writeJSON(w, http.StatusCreated, CreateLoanResponse{ApplicationID: exec.ID()})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.client.GetStatus(r.Context(), id)
	if err != nil {
		s.respondInstanceError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(info))
}

func (s *Server) handleSubmitDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SubmitDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !knownDocumentTypes[req.DocumentType] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown document type %q", req.DocumentType))
		return
	}
	if req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	submission := DocumentSubmission{
		DocumentType: req.DocumentType,
		DocumentID:   req.DocumentID,
		UploadedAt:   time.Now().UTC(),
	}
	if err := s.client.RaiseEvent(r.Context(), id, documentEventName(req.DocumentType), submission); err != nil {
		s.respondInstanceError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "document received"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SubmitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ApproverRole == "" {
		writeError(w, http.StatusBadRequest, "approver_role is required")
		return
	}

	signal := ApprovalSignal{
		ApproverRole: req.ApproverRole,
		Approved:     req.Approved,
		Comments:     req.Comments,
		SignedAt:     time.Now().UTC(),
	}
	if err := s.client.RaiseEvent(r.Context(), id, approvalEventName, signal); err != nil {
		s.respondInstanceError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "approval recorded"})
}

// handleGetResult blocks until the application settles, or returns the
// in-flight status with 202 when the wait times out.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	waitCtx, cancel := context.WithTimeout(r.Context(), resultWaitTimeout)
	defer cancel()

	info, err := s.client.WaitForCompletion(waitCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			current, statusErr := s.client.GetStatus(r.Context(), id)
			if statusErr != nil {
				s.respondInstanceError(w, id, statusErr)
				return
			}
			writeJSON(w, http.StatusAccepted, statusResponse(current))
			return
		}
		s.respondInstanceError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(info))
}

func (s *Server) handleCancelLoan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := s.client.Terminate(r.Context(), id, reason); err != nil {
		s.respondInstanceError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondInstanceError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, rewind.ErrInstanceNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("application %s not found", id))
		return
	}
	s.logger.Error("backend error", "application_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func statusResponse(info *rewind.InstanceInfo) LoanStatusResponse {
	resp := LoanStatusResponse{
		ApplicationID: info.InstanceID,
		Status:        string(info.Status),
		CreatedAt:     info.CreatedAt,
		UpdatedAt:     info.UpdatedAt,
		Failure:       info.Failure,
	}
	if info.Status == rewind.StatusCompleted && len(info.Output) > 0 {
		var decision LoanDecision
		if err := json.Unmarshal(info.Output, &decision); err == nil {
			resp.Decision = &decision
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
