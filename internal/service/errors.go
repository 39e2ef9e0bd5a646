package service

import (
	"github.com/NCGHoldings/StoresONE-sub005/internal/errors"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
)

var (
	ErrNoActiveWorkflow          = errors.New(errors.ErrCodeConfiguration, "no active workflow")
	ErrInvalidStepContext        = errors.New(errors.ErrCodeConflict, "action does not target the request's current step")
	ErrNotAnApprover             = errors.New(errors.ErrCodeUnauthorized, "actor is not an approver for the current step")
	ErrUnresolvedDynamicApprover = errors.New(errors.ErrCodeUnresolvedApprover, "dynamic approver rule produced no identity")
	ErrNoEligibleApprovers       = errors.New(errors.ErrCodeUnresolvedApprover, "step resolved to an empty approver set")
	ErrConditionEvaluation       = errors.New(errors.ErrCodeConfiguration, "condition could not be evaluated")
	ErrBlockingConflict          = errors.New(errors.ErrCodeConflict, "role grant blocked by a segregation-of-duties rule")
	ErrAdminRequired             = errors.New(errors.ErrCodeUnauthorized, "administrator role required")

	ErrConcurrencyConflict = repository.ErrConcurrencyConflict
	ErrAlreadyPending      = repository.ErrAlreadyPending
)
