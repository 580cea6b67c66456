package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/paysync/internal/config"
	"github.com/smallbiznis/paysync/internal/payment/domain"
)

func normalizeRequest(req CheckoutRequest) CheckoutRequest {
	req.UserID = strings.TrimSpace(req.UserID)
	req.PlanID = strings.ToLower(strings.TrimSpace(req.PlanID))
	req.BillingCycle = domain.BillingCycle(strings.ToLower(strings.TrimSpace(string(req.BillingCycle))))
	req.Provider = domain.Provider(strings.ToLower(strings.TrimSpace(string(req.Provider))))
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerIP = strings.TrimSpace(req.CustomerIP)
	return req
}

func (s *Service) validateRequest(req CheckoutRequest) (config.Plan, error) {
	if err := s.validate.Struct(req); err != nil {
		return config.Plan{}, fieldError(err)
	}
	if _, err := domain.ParseProvider(string(req.Provider)); err != nil {
		return config.Plan{}, err
	}

	plan, ok := s.plans.Get().Lookup(req.PlanID)
	if !ok {
		return config.Plan{}, domain.ErrUnknownPlan
	}
	if expected := planPrice(plan, req.BillingCycle); expected > 0 && expected != req.Amount {
		return config.Plan{}, fmt.Errorf("%w: expected %d", domain.ErrInvalidAmount, expected)
	}
	return plan, nil
}

func planPrice(plan config.Plan, cycle domain.BillingCycle) int64 {
	if cycle == domain.BillingYearly {
		return plan.YearlyAmount
	}
	return plan.MonthlyAmount
}

// fieldError maps the first failing field to a domain error.
func fieldError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	fe := fieldErrs[0]
	switch fe.Field() {
	case "UserID":
		return domain.ErrMissingUser
	case "PlanID":
		return domain.ErrUnknownPlan
	case "BillingCycle":
		return domain.ErrInvalidBillingCycle
	case "Amount":
		return domain.ErrInvalidAmount
	case "Provider":
		return domain.ErrInvalidProvider
	default:
		return fmt.Errorf("%w: %s failed %s", domain.ErrInvalidPayload, strings.ToLower(fe.Field()), fe.Tag())
	}
}
