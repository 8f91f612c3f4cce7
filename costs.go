package funnel

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/id"
)

// DefaultCheapestOperationCost is used when no tariff can be priced.
var DefaultCheapestOperationCost = decimal.NewFromInt(1)

// GenerationCost describes one generation to price.
type GenerationCost struct {
	ModelID           string
	UserMargin        decimal.Decimal
	InputTokens       int64
	OutputTokens      int64
	IsImageGeneration bool
	NumberOfImages    int
}

// CalculateGenerationCost prices a generation with the model's tariff and
// the current system settings.
func (f *Funnel) CalculateGenerationCost(ctx context.Context, req GenerationCost) (cost.Result, error) {
	t, err := f.costs.Tariff(ctx, req.ModelID)
	if err != nil {
		return cost.Result{}, err
	}
	s, err := f.costs.Settings(ctx)
	if err != nil {
		return cost.Result{}, err
	}
	return cost.Calculate(cost.Params{
		Tariff:            *t,
		Settings:          *s,
		UserMargin:        req.UserMargin,
		InputTokens:       req.InputTokens,
		OutputTokens:      req.OutputTokens,
		IsImageGeneration: req.IsImageGeneration,
		NumberOfImages:    req.NumberOfImages,
	})
}

// Reservation is a pre-flight estimate for a user.
type Reservation struct {
	Estimate   cost.Result     `json:"estimate"`
	Amount     decimal.Decimal `json:"amount"`
	Available  decimal.Decimal `json:"available"`
	Sufficient bool            `json:"sufficient"`
}

// EstimateReservation sizes the reservation for an image generation and
// reports whether the user can afford it.
func (f *Funnel) EstimateReservation(ctx context.Context, userID id.UserID, modelID string, q cost.Quality, images int) (*Reservation, error) {
	u, err := f.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	t, err := f.costs.Tariff(ctx, modelID)
	if err != nil {
		return nil, err
	}
	s, err := f.costs.Settings(ctx)
	if err != nil {
		return nil, err
	}
	est, err := cost.Estimate(*t, *s, decimal.Zero, q, images)
	if err != nil {
		return nil, err
	}
	amount := est.CreditsToDeduct.Ceil()
	return &Reservation{
		Estimate:   est,
		Amount:     amount,
		Available:  u.Available(),
		Sufficient: u.Available().GreaterThanOrEqual(amount),
	}, nil
}

// CheapestOperationCost returns the lowest single low-res image price across
// active tariffs. Balances below it count as exhausted.
func (f *Funnel) CheapestOperationCost(ctx context.Context) decimal.Decimal {
	tariffs, err := f.costs.Tariffs(ctx)
	if err != nil {
		return DefaultCheapestOperationCost
	}
	s, err := f.costs.Settings(ctx)
	if err != nil {
		return DefaultCheapestOperationCost
	}

	var (
		cheapest decimal.Decimal
		found    bool
	)
	for _, t := range tariffs {
		if !t.IsActive {
			continue
		}
		est, err := cost.Estimate(*t, *s, decimal.Zero, cost.QualityLow, 1)
		if err != nil || !est.CreditsToDeduct.IsPositive() {
			continue
		}
		if !found || est.CreditsToDeduct.LessThan(cheapest) {
			cheapest, found = est.CreditsToDeduct, true
		}
	}
	if !found {
		return DefaultCheapestOperationCost
	}
	return cheapest
}
