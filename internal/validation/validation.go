// Package validation checks user input against business rules before any
// network call or queueing happens.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/binomepay/binomepay-go/internal/domain"
)

const (
	MaxMessageLength = 1000
	MaxReasonLength  = 500
)

// SupportedCurrencies lists the currencies the exchange accepts.
var SupportedCurrencies = []string{"EUR", "XOF", "USD", "GBP", "CAD", "MAD", "XAF", "CHF"}

// ErrInvalid is matched by every ValidationError.
var ErrInvalid = errors.New("validation failed")

// Result is the outcome of a validation.
type Result struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// Err returns nil for a valid result, otherwise a *ValidationError.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	return &ValidationError{Errors: r.Errors}
}

// ValidationError carries the list of failed rules.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// IntentionInput is the user-entered form for a new request.
type IntentionInput struct {
	Direction     domain.Direction `json:"direction"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	OriginCountry string           `json:"origin_country"`
	DestCountry   string           `json:"dest_country"`
}

// Normalize trims fields, upper-cases the currency and defaults the direction to SEND.
func (in IntentionInput) Normalize() domain.NewRequest {
	dir := in.Direction
	if dir == "" {
		dir = domain.DirectionSend
	}
	return domain.NewRequest{
		Direction:     dir,
		Amount:        in.Amount,
		Currency:      strings.ToUpper(strings.TrimSpace(in.Currency)),
		OriginCountry: strings.TrimSpace(in.OriginCountry),
		DestCountry:   strings.TrimSpace(in.DestCountry),
	}
}

func ValidateIntention(in IntentionInput) Result {
	var errs []string

	if !in.Amount.IsPositive() {
		errs = append(errs, "amount must be greater than zero")
	}

	currency := strings.TrimSpace(in.Currency)
	switch {
	case !isCurrencyCode(currency):
		errs = append(errs, "currency must be a 3-letter uppercase code")
	case !IsSupportedCurrency(currency):
		errs = append(errs, fmt.Sprintf("currency %s is not supported", currency))
	}

	origin := strings.TrimSpace(in.OriginCountry)
	dest := strings.TrimSpace(in.DestCountry)
	if origin == "" {
		errs = append(errs, "origin country is required")
	}
	if dest == "" {
		errs = append(errs, "destination country is required")
	}
	if origin != "" && dest != "" && strings.EqualFold(origin, dest) {
		errs = append(errs, "origin and destination countries must differ")
	}

	switch in.Direction {
	case "", domain.DirectionSend, domain.DirectionReceive:
	default:
		errs = append(errs, fmt.Sprintf("direction %q is invalid", in.Direction))
	}

	return result(errs)
}

func ValidateMessage(content string) Result {
	var errs []string
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		errs = append(errs, "message cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		errs = append(errs, fmt.Sprintf("message exceeds %d characters", MaxMessageLength))
	}
	return result(errs)
}

// ReportInput is the form for reporting another user.
type ReportInput struct {
	ReportedUserID string `json:"reported_user_id"`
	Reason         string `json:"reason"`
	Details        string `json:"details"`
}

func ValidateReport(in ReportInput) Result {
	var errs []string
	if strings.TrimSpace(in.ReportedUserID) == "" {
		errs = append(errs, "reported user is required")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		errs = append(errs, "reason is required")
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		errs = append(errs, fmt.Sprintf("reason exceeds %d characters", MaxReasonLength))
	}
	return result(errs)
}

// IsSupportedCurrency reports whether code is in SupportedCurrencies.
func IsSupportedCurrency(code string) bool {
	for _, c := range SupportedCurrencies {
		if c == code {
			return true
		}
	}
	return false
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func result(errs []string) Result {
	return Result{IsValid: len(errs) == 0, Errors: errs}
}
