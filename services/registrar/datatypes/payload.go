// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Validation Setup
// =============================================================================

var (
	payloadValidate *validator.Validate

	taxIDPattern    = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	bankCodePattern = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
)

func init() {
	payloadValidate = validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names so errors line up with what callers sent.
	payloadValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	_ = payloadValidate.RegisterValidation("taxid", func(fl validator.FieldLevel) bool {
		return taxIDPattern.MatchString(fl.Field().String())
	})
	_ = payloadValidate.RegisterValidation("bankcode", func(fl validator.FieldLevel) bool {
		return bankCodePattern.MatchString(fl.Field().String())
	})
}

// =============================================================================
// Payload
// =============================================================================

// Payload is the immutable input of a job: every field any stage needs.
type Payload struct {
	Identity        Identity   `json:"identity"`
	TaxID           TaxID      `json:"tax_id"`
	Profile         Profile    `json:"profile"`
	Enterprise      Enterprise `json:"enterprise"`
	PlantAddress    Address    `json:"plant_address"`
	OfficialAddress Address    `json:"official_address"`
	Bank            Bank       `json:"bank"`
	Activity        Activity   `json:"activity"`
	Employment      Employment `json:"employment"`
	Financials      Financials `json:"financials"`
}

// Identity holds the national identity number and contact details used by
// the identity verification stages.
type Identity struct {
	Number string `json:"number" validate:"required,len=12,numeric"`
	Name   string `json:"name" validate:"required,max=100"`
	Mobile string `json:"mobile" validate:"required,len=10,numeric"`
	Email  string `json:"email" validate:"required,email"`
}

// TaxID holds the tax identifier fields entered across the tax-ID stages.
type TaxID struct {
	Number      string `json:"number" validate:"required,taxid"`
	Name        string `json:"name" validate:"required,max=100"`
	DateOfBirth string `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
}

type Profile struct {
	SocialCategory string `json:"social_category" validate:"required,oneof=General SC ST OBC"`
	Gender         string `json:"gender" validate:"required,oneof=M F O"`
	SpeciallyAbled bool   `json:"specially_abled"`
}

type Enterprise struct {
	Name                string `json:"name" validate:"required,max=200"`
	UnitName            string `json:"unit_name" validate:"required,max=200"`
	DateOfIncorporation string `json:"date_of_incorporation" validate:"required,datetime=2006-01-02"`
	DateOfCommencement  string `json:"date_of_commencement" validate:"omitempty,datetime=2006-01-02"`
	HasGSTIN            bool   `json:"has_gstin"`
}

type Address struct {
	PremisesNumber string `json:"premises_number" validate:"required,max=100"`
	BuildingName   string `json:"building_name" validate:"max=100"`
	VillageTown    string `json:"village_town" validate:"max=100"`
	Block          string `json:"block" validate:"max=100"`
	RoadStreetLane string `json:"road_street_lane" validate:"max=100"`
	City           string `json:"city" validate:"required,max=100"`
	State          string `json:"state" validate:"required,max=100"`
	District       string `json:"district" validate:"required,max=100"`
	PostalCode     string `json:"postal_code" validate:"required,len=6,numeric"`
}

type Bank struct {
	Name          string `json:"name" validate:"required,max=100"`
	AccountNumber string `json:"account_number" validate:"required,min=9,max=18,numeric"`
	RoutingCode   string `json:"routing_code" validate:"required,bankcode"`
}

// Activity classifies the enterprise. ClassificationCodes are five digit
// industry codes.
type Activity struct {
	MajorActivity       string   `json:"major_activity" validate:"required,oneof=Manufacturing Services Trading"`
	Section             string   `json:"section" validate:"max=100"`
	ClassificationCodes []string `json:"classification_codes" validate:"required,min=1,max=20,dive,len=5,numeric"`
}

type Employment struct {
	Male   int `json:"male" validate:"min=0"`
	Female int `json:"female" validate:"min=0"`
	Other  int `json:"other" validate:"min=0"`
}

type Financials struct {
	InvestmentWDV           float64 `json:"investment_wdv" validate:"min=0"`
	InvestmentExclusionCost float64 `json:"investment_exclusion_cost" validate:"min=0"`
	TotalTurnover           float64 `json:"total_turnover" validate:"min=0"`
	ExportTurnover          float64 `json:"export_turnover" validate:"min=0,ltefield=TotalTurnover"`
}

// Validate checks every field rule and returns a *ValidationError listing
// all failures, or nil.
func (p *Payload) Validate() error {
	return validationError(0, payloadValidate.Struct(p))
}

// ValidatePayloads validates each payload independently. The returned slice
// holds one *ValidationError per invalid payload, in input order.
func ValidatePayloads(payloads []Payload) []*ValidationError {
	var out []*ValidationError
	for i := range payloads {
		if err := payloads[i].Validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Index = i
				out = append(out, verr)
			}
		}
	}
	return out
}

// validationError converts validator output into a *ValidationError.
func validationError(index int, err error) error {
	if err == nil {
		return nil
	}
	verr := &ValidationError{Index: index}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.Fields = []FieldError{{Field: "", Rule: "invalid", Message: err.Error()}}
		return verr
	}
	for _, fe := range fieldErrs {
		verr.Fields = append(verr.Fields, FieldError{
			Field:   trimNamespace(fe.Namespace()),
			Rule:    fe.Tag(),
			Message: describeRule(fe),
		})
	}
	return verr
}

// trimNamespace drops the root struct name: "Payload.bank.routing_code"
// becomes "bank.routing_code".
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "numeric":
		return "must contain only digits"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "taxid":
		return "must be a valid tax identifier (AAAAA9999A)"
	case "bankcode":
		return "must be a valid bank routing code"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "ltefield":
		return "must not exceed " + fe.Param()
	default:
		return "failed rule " + fe.Tag()
	}
}
