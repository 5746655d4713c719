package main

import (
	"fmt"
	"time"

	"github.com/nvcnvn/rewind"
)

// LoanApplicationInput is the request that starts an application.
type LoanApplicationInput struct {
	ApplicantName string  `json:"applicant_name"`
	Amount        float64 `json:"amount"`
	Purpose       string  `json:"purpose"`
}

// LoanDecision is the application's final outcome.
type LoanDecision struct {
	ApplicationID  string    `json:"application_id"`
	Decision       string    `json:"decision"`
	ApprovedAmount float64   `json:"approved_amount,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

// DocumentSubmission arrives as an external event when the applicant uploads
// a required document.
type DocumentSubmission struct {
	DocumentType string    `json:"document_type"`
	DocumentID   string    `json:"document_id"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// ApprovalSignal arrives as an external event when a manager rules on the
// application.
type ApprovalSignal struct {
	ApproverRole string    `json:"approver_role"`
	Approved     bool      `json:"approved"`
	Comments     string    `json:"comments,omitempty"`
	SignedAt     time.Time `json:"signed_at"`
}

const (
	DecisionApproved = "approved"
	DecisionDeclined = "declined"
)

const (
	minCreditScore           = 600
	managerApprovalThreshold = 25_000.0
	addressProofThreshold    = 50_000.0
	underwriterThreshold     = 100_000.0

	documentDeadline = 72 * time.Hour
	approvalDeadline = 48 * time.Hour
	// complianceHold is the mandated cooling-off period before money moves.
	// Kept short so a demo run finishes while you watch.
	complianceHold = 5 * time.Second

	approvalEventName = "manager-approval"
)

// requiredDocuments lists the document types an application must submit.
// Larger loans additionally need proof of address.
func requiredDocuments(amount float64) []string {
	docs := []string{"identity", "income"}
	if amount > addressProofThreshold {
		docs = append(docs, "address")
	}
	return docs
}

func documentEventName(docType string) string {
	return "document-" + docType
}

// LoanApplication drives one application from credit check to disbursement.
// Document uploads and the manager's ruling arrive as external events; every
// wait on a human is raced against a deadline so no application hangs
// forever.
var LoanApplication = rewind.NewWorkflow(
	"loan-application",
	func(ctx *rewind.Context, input LoanApplicationInput) (LoanDecision, error) {
		logger := ctx.Logger()
		logger.Info("application received",
			"applicant", input.ApplicantName, "amount", input.Amount, "purpose", input.Purpose)

		if input.Amount <= 0 {
			return declined(ctx, "loan amount must be positive"), nil
		}

		// Step 1: pull the applicant's credit report.
		credit, err := rewind.Call(ctx, CheckCreditScore, CreditCheckRequest{
			ApplicantName: input.ApplicantName,
		}).Get()
		if err != nil {
			return LoanDecision{}, err
		}
		if credit.Score < minCreditScore {
			return declined(ctx, fmt.Sprintf("credit score %d is below the minimum %d", credit.Score, minCreditScore)), nil
		}
		logger.Info("credit check passed", "score", credit.Score)

		// Step 2: collect and verify the required documents, one at a time.
		// Each upload is an external event named after the document type.
		for _, docType := range requiredDocuments(input.Amount) {
			upload := rewind.WaitForEvent[DocumentSubmission](ctx, documentEventName(docType))
			deadline := ctx.CreateTimer(documentDeadline)
			if winner := ctx.WhenAny(upload.Task, deadline).Await(); winner == deadline {
				return declined(ctx, fmt.Sprintf("%s document not submitted within %s", docType, documentDeadline)), nil
			}
			doc, err := upload.Get()
			if err != nil {
				return LoanDecision{}, err
			}

			verification, err := rewind.Call(ctx, VerifyDocument, doc).Get()
			if err != nil {
				return LoanDecision{}, err
			}
			if !verification.Valid {
				return declined(ctx, fmt.Sprintf("%s document rejected: %s", docType, verification.Notes)), nil
			}
			logger.Info("document verified", "type", docType, "document_id", doc.DocumentID)
		}

		// Step 3: the compliance hold.
		if err := ctx.CreateTimer(complianceHold).Await(); err != nil {
			return LoanDecision{}, err
		}

		// Step 4: mid-size and larger loans need a manager to sign off.
		if input.Amount > managerApprovalThreshold {
			approval := rewind.WaitForEvent[ApprovalSignal](ctx, approvalEventName)
			deadline := ctx.CreateTimer(approvalDeadline)
			if winner := ctx.WhenAny(approval.Task, deadline).Await(); winner == deadline {
				return declined(ctx, fmt.Sprintf("manager approval not received within %s", approvalDeadline)), nil
			}
			signal, err := approval.Get()
			if err != nil {
				return LoanDecision{}, err
			}
			if !signal.Approved {
				return declined(ctx, fmt.Sprintf("declined by %s: %s", signal.ApproverRole, signal.Comments)), nil
			}
			logger.Info("manager approved", "approver", signal.ApproverRole)
		}

		// Step 5: the largest loans also go through underwriting.
		if input.Amount > underwriterThreshold {
			underwriting, err := rewind.Call(ctx, UnderwriterApproval, UnderwritingRequest{
				ApplicantName: input.ApplicantName,
				Amount:        input.Amount,
				CreditScore:   credit.Score,
			}).Get()
			if err != nil {
				return LoanDecision{}, err
			}
			if !underwriting.Approved {
				return declined(ctx, underwriting.Reason), nil
			}
			logger.Info("underwriting passed")
		}

		// Step 6: disburse the funds.
		receipt, err := rewind.Call(ctx, DisburseLoan, DisbursementRequest{
			ApplicationID: ctx.InstanceID(),
			ApplicantName: input.ApplicantName,
			Amount:        input.Amount,
		}).Get()
		if err != nil {
			return LoanDecision{}, err
		}
		logger.Info("loan disbursed", "transaction_id", receipt.TransactionID)

		return LoanDecision{
			ApplicationID:  ctx.InstanceID(),
			Decision:       DecisionApproved,
			ApprovedAmount: input.Amount,
			TransactionID:  receipt.TransactionID,
			DecidedAt:      ctx.CurrentTime(),
		}, nil
	},
)

// declined builds a terminal declined decision. The timestamp comes from the
// workflow's virtual clock so replays produce the identical record.
func declined(ctx *rewind.Context, reason string) LoanDecision {
	ctx.Logger().Info("application declined", "reason", reason)
	return LoanDecision{
		ApplicationID: ctx.InstanceID(),
		Decision:      DecisionDeclined,
		Reason:        reason,
		DecidedAt:     ctx.CurrentTime(),
	}
}
