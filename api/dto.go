/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts and rates travel as JSON strings ("1234.56"), never floats.
  decimal.Decimal round-trips through its string form exactly; float64
  does not.

VALIDATION:
  Shape validation (parseable dates, parseable decimals) happens in the
  handlers; domain validation happens in the engine. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: The domain model these map to
*/
package api

import (
	"time"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ObligationDTO represents an obligation in API responses.
type ObligationDTO struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	Description    string  `json:"description"`
	Kind           string  `json:"kind"`
	Frequency      string  `json:"frequency"`
	AmountUSD      string  `json:"amount_usd"`
	AmountARS      string  `json:"amount_ars"`
	AnchorRate     string  `json:"anchor_rate"`
	CategoryID     string  `json:"category_id"`
	CounterpartyID string  `json:"counterparty_id,omitempty"`
	StartDate      string  `json:"start_date"`
	EndPeriod      *string `json:"end_period,omitempty"`
	Active         bool    `json:"active"`
	CreatedAt      string  `json:"created_at,omitempty"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
}

// CreateObligationRequest is the request to create an obligation.
type CreateObligationRequest struct {
	UserID         string `json:"user_id"`
	Description    string `json:"description"`
	Kind           string `json:"kind"`
	Frequency      string `json:"frequency"`
	AmountUSD      string `json:"amount_usd,omitempty"`
	AmountARS      string `json:"amount_ars,omitempty"`
	AnchorRate     string `json:"anchor_rate,omitempty"`
	CategoryID     string `json:"category_id"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	StartDate      string `json:"start_date"`
}

// TerminateRequest names the last period an obligation covers.
type TerminateRequest struct {
	EndPeriod string `json:"end_period"` // "YYYY-MM"
}

// GenerateRequest optionally overrides the generation horizon.
type GenerateRequest struct {
	UpTo string `json:"up_to,omitempty"` // ISO date; default today
}

// InstanceDTO represents a generated transaction instance.
type InstanceDTO struct {
	ID           string `json:"id"`
	ObligationID string `json:"obligation_id"`
	UserID       string `json:"user_id"`
	Description  string `json:"description"`
	Kind         string `json:"kind"`
	Period       string `json:"period"`
	Date         string `json:"date"`
	AmountUSD    string `json:"amount_usd"`
	AmountARS    string `json:"amount_ars"`
	RateUsed     string `json:"rate_used"`
	CreatedAt    string `json:"created_at,omitempty"`
}

// GenerationReportDTO is the result of one generation run. Error is set
// when a whole run failed (as in a user sweep, where one obligation's
// failure must not hide the others' reports); Skipped stays per-period.
type GenerationReportDTO struct {
	ObligationID   string             `json:"obligation_id"`
	Created        []InstanceDTO      `json:"created"`
	Skipped        []SkippedPeriodDTO `json:"skipped,omitempty"`
	AlreadyPresent int                `json:"already_present"`
	Error          string             `json:"error,omitempty"`
}

// SkippedPeriodDTO records a period a run could not materialize.
type SkippedPeriodDTO struct {
	Period string `json:"period"`
	Reason string `json:"reason"`
}

// RepairReportDTO is the result of one reconcile run.
type RepairReportDTO struct {
	ObligationID        string `json:"obligation_id"`
	BaseCurrency        string `json:"base_currency"`
	ObligationRewritten bool   `json:"obligation_rewritten"`
	InstancesChecked    int    `json:"instances_checked"`
	InstancesRepaired   int    `json:"instances_repaired"`
	InstancesSkipped    int    `json:"instances_skipped,omitempty"`
}

// DeleteResultDTO is the result of a cascade delete.
type DeleteResultDTO struct {
	ObligationID string `json:"obligation_id"`
	Deleted      bool   `json:"deleted"`
}

// PutRateRequest upserts an exchange rate quote for a date.
type PutRateRequest struct {
	Date      string `json:"date"`        // ISO date
	ARSPerUSD string `json:"ars_per_usd"` // decimal string
}

// RateDTO represents a stored exchange rate.
type RateDTO struct {
	Date      string `json:"date"`
	ARSPerUSD string `json:"ars_per_usd"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toObligationDTO(o engine.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:             string(o.ID),
		UserID:         string(o.UserID),
		Description:    o.Description,
		Kind:           string(o.Kind),
		Frequency:      string(o.Frequency),
		AmountUSD:      o.AmountUSD.String(),
		AmountARS:      o.AmountARS.String(),
		AnchorRate:     o.AnchorRate.String(),
		CategoryID:     o.CategoryID,
		CounterpartyID: o.CounterpartyID,
		StartDate:      o.StartDate.Format("2006-01-02"),
		Active:         o.Active,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      o.UpdatedAt.Format(time.RFC3339),
	}
	if o.EndBoundary != nil {
		s := o.EndBoundary.String()
		dto.EndPeriod = &s
	}
	return dto
}

func toInstanceDTO(in engine.Instance) InstanceDTO {
	return InstanceDTO{
		ID:           string(in.ID),
		ObligationID: string(in.ObligationID),
		UserID:       string(in.UserID),
		Description:  in.Description,
		Kind:         string(in.Kind),
		Period:       in.Period.String(),
		Date:         in.Date.Format("2006-01-02"),
		AmountUSD:    in.AmountUSD.String(),
		AmountARS:    in.AmountARS.String(),
		RateUsed:     in.RateUsed.String(),
		CreatedAt:    in.CreatedAt.Format(time.RFC3339),
	}
}

func toInstanceDTOs(ins []engine.Instance) []InstanceDTO {
	dtos := make([]InstanceDTO, len(ins))
	for i, in := range ins {
		dtos[i] = toInstanceDTO(in)
	}
	return dtos
}

func toGenerationReportDTO(r engine.GenerationReport) GenerationReportDTO {
	dto := GenerationReportDTO{
		ObligationID:   string(r.ObligationID),
		Created:        toInstanceDTOs(r.Created),
		AlreadyPresent: r.AlreadyPresent,
	}
	for _, s := range r.Skipped {
		dto.Skipped = append(dto.Skipped, SkippedPeriodDTO{
			Period: s.Period.String(),
			Reason: s.Reason,
		})
	}
	return dto
}

func toRepairReportDTO(r engine.RepairReport) RepairReportDTO {
	return RepairReportDTO{
		ObligationID:        string(r.ObligationID),
		BaseCurrency:        string(r.BaseCurrency),
		ObligationRewritten: r.ObligationRewritten,
		InstancesChecked:    r.InstancesChecked,
		InstancesRepaired:   r.InstancesRepaired,
		InstancesSkipped:    r.InstancesSkipped,
	}
}
