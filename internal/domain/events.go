package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountCreated is the first event in an account's lifecycle. Balance starts
// at initial_balance; every later change arrives as a TransactionCreated.
type AccountCreated struct {
	Envelope
	AccountName    string      `json:"account_name"`
	AccountType    AccountType `json:"account_type"`
	Currency       Currency    `json:"currency"`
	InitialBalance Money       `json:"initial_balance"`
	OrganizationID *uuid.UUID  `json:"organization_id"`
	DepartmentID   *uuid.UUID  `json:"department_id"`
}

func (AccountCreated) EventType() string { return "AccountCreated" }

// AccountRenamed keeps the old name for audit trails.
type AccountRenamed struct {
	Envelope
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

func (AccountRenamed) EventType() string { return "AccountRenamed" }

// AccountClosed marks an account closed. Accounts are never deleted; financial
// records must stay replayable for retention audits.
type AccountClosed struct {
	Envelope
	Reason       string `json:"reason"`
	FinalBalance Money  `json:"final_balance"`
}

func (AccountClosed) EventType() string { return "AccountClosed" }

// TransactionCreated records a financial movement. This event drives balance
// changes on accounts.
type TransactionCreated struct {
	Envelope
	Amount               Money            `json:"amount"`
	Currency             Currency         `json:"currency"`
	TransactionType      TransactionType  `json:"transaction_type"`
	MerchantName         string           `json:"merchant_name"`
	Description          *string          `json:"description"`
	Category             *ExpenseCategory `json:"category"`
	TransactionDate      time.Time        `json:"transaction_date"`
	MerchantCategoryCode *string          `json:"merchant_category_code"`
	ExternalReference    *string          `json:"external_reference"`
	RawDescription       *string          `json:"raw_description"`
	OrganizationID       *uuid.UUID       `json:"organization_id"`
	DepartmentID         *uuid.UUID       `json:"department_id"`
	ProjectID            *uuid.UUID       `json:"project_id"`
	CostCenterID         *uuid.UUID       `json:"cost_center_id"`
}

func (TransactionCreated) EventType() string { return "TransactionCreated" }

// TransactionCategorized records a categorization by a user, a rule, or a
// model. confidence_score is only set for model predictions.
type TransactionCategorized struct {
	Envelope
	Category         string   `json:"category"`
	Subcategory      *string  `json:"subcategory"`
	ConfidenceScore  *float64 `json:"confidence_score"`
	CategorizedBy    string   `json:"categorized_by"`
	PreviousCategory *string  `json:"previous_category"`
}

func (TransactionCategorized) EventType() string { return "TransactionCategorized" }

// TransactionTagged attaches custom labels to a transaction.
type TransactionTagged struct {
	Envelope
	Tags []string `json:"tags"`
}

func (TransactionTagged) EventType() string { return "TransactionTagged" }

// BudgetCreated establishes a spending limit over a period.
type BudgetCreated struct {
	Envelope
	BudgetName     string           `json:"budget_name"`
	Amount         Money            `json:"amount"`
	Currency       Currency         `json:"currency"`
	Period         string           `json:"period"`
	StartDate      time.Time        `json:"start_date"`
	EndDate        time.Time        `json:"end_date"`
	AlertThreshold float64          `json:"alert_threshold"`
	Category       *ExpenseCategory `json:"category"`
	OrganizationID *uuid.UUID       `json:"organization_id"`
	DepartmentID   *uuid.UUID       `json:"department_id"`
}

func (BudgetCreated) EventType() string { return "BudgetCreated" }

// BudgetExceeded is raised when spending passes the budget limit. Downstream
// consumers turn it into notifications.
type BudgetExceeded struct {
	Envelope
	BudgetName      string           `json:"budget_name"`
	Amount          Money            `json:"amount"`
	CurrentSpending Money            `json:"current_spending"`
	BudgetLimit     Money            `json:"budget_limit"`
	ExceededBy      Money            `json:"exceeded_by"`
	Currency        Currency         `json:"currency"`
	Category        *ExpenseCategory `json:"category"`
	OrganizationID  *uuid.UUID       `json:"organization_id"`
	DepartmentID    *uuid.UUID       `json:"department_id"`
}

func (BudgetExceeded) EventType() string { return "BudgetExceeded" }
