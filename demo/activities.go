package main

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nvcnvn/rewind"
)

type CreditCheckRequest struct {
	ApplicantName string `json:"applicant_name"`
}

type CreditReport struct {
	Score  int    `json:"score"`
	Bureau string `json:"bureau"`
}

type DocumentVerification struct {
	DocumentType string `json:"document_type"`
	Valid        bool   `json:"valid"`
	Notes        string `json:"notes,omitempty"`
}

type UnderwritingRequest struct {
	ApplicantName string  `json:"applicant_name"`
	Amount        float64 `json:"amount"`
	CreditScore   int     `json:"credit_score"`
}

type UnderwritingResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type DisbursementRequest struct {
	ApplicationID string  `json:"application_id"`
	ApplicantName string  `json:"applicant_name"`
	Amount        float64 `json:"amount"`
}

type DisbursementReceipt struct {
	TransactionID string    `json:"transaction_id"`
	DisbursedAt   time.Time `json:"disbursed_at"`
}

// creditScoreFor derives a stable score from the applicant name, so repeated
// demo runs for the same applicant are reproducible. Scores land in 550-849.
func creditScoreFor(name string) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	return 550 + int(h.Sum32()%300)
}

var CheckCreditScore = rewind.NewActivity(
	"check-credit-score",
	func(ctx *rewind.ActivityContext, req CreditCheckRequest) (CreditReport, error) {
		ctx.Logger().Info("pulling credit report", "applicant", req.ApplicantName, "attempt", ctx.Attempt())
		time.Sleep(500 * time.Millisecond) // bureau round trip
		return CreditReport{Score: creditScoreFor(req.ApplicantName), Bureau: "demo-bureau"}, nil
	},
	rewind.RetryPolicy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		BackoffFactor:   2.0,
		MaxAttempts:     3,
		Jitter:          0.1,
	},
)

var VerifyDocument = rewind.NewActivity(
	"verify-document",
	func(ctx *rewind.ActivityContext, doc DocumentSubmission) (DocumentVerification, error) {
		ctx.Logger().Info("verifying document", "type", doc.DocumentType, "document_id", doc.DocumentID)
		time.Sleep(300 * time.Millisecond)
		if len(doc.DocumentID) < 5 {
			return DocumentVerification{
				DocumentType: doc.DocumentType,
				Valid:        false,
				Notes:        fmt.Sprintf("document id %q is malformed", doc.DocumentID),
			}, nil
		}
		return DocumentVerification{DocumentType: doc.DocumentType, Valid: true}, nil
	},
	rewind.RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		BackoffFactor:   2.0,
		MaxAttempts:     5,
		Jitter:          0.2,
	},
)

var UnderwriterApproval = rewind.NewActivity(
	"underwriter-approval",
	func(ctx *rewind.ActivityContext, req UnderwritingRequest) (UnderwritingResult, error) {
		ctx.Logger().Info("underwriting", "applicant", req.ApplicantName, "amount", req.Amount)
		time.Sleep(1 * time.Second)
		if req.CreditScore >= 700 {
			return UnderwritingResult{Approved: true}, nil
		}
		if req.Amount < 150_000 && req.CreditScore >= 650 {
			return UnderwritingResult{Approved: true}, nil
		}
		return UnderwritingResult{
			Approved: false,
			Reason:   fmt.Sprintf("credit score %d is too low for a %.0f loan", req.CreditScore, req.Amount),
		}, nil
	},
	rewind.RetryPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		BackoffFactor:   2.0,
		MaxAttempts:     3,
		Jitter:          0.1,
	},
)

// DisburseLoan moves money, so it runs at most once. Retrying without an
// idempotency key at the payment provider could pay twice.
var DisburseLoan = rewind.NewActivity(
	"disburse-loan",
	func(ctx *rewind.ActivityContext, req DisbursementRequest) (DisbursementReceipt, error) {
		ctx.Logger().Info("disbursing funds", "application_id", req.ApplicationID, "amount", req.Amount)
		time.Sleep(300 * time.Millisecond)
		return DisbursementReceipt{
			TransactionID: "txn_" + uuid.NewString(),
			DisbursedAt:   time.Now().UTC(),
		}, nil
	},
	rewind.NoRetry,
)
