// Package cost computes generation costs in USD, credits and RUB from a model
// tariff and the system margin settings.
//
// Calculate and Estimate are pure functions. Prices are USD per 1,000,000
// tokens; all arithmetic uses decimal so results are exact and repeatable.
package cost

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// ErrInvalidSettings is returned when credits cannot be priced because
// neither the tariff nor the settings define a credit price.
var ErrInvalidSettings = errors.New("cost: credits_per_usd must be positive when the tariff has no credit price")

// Tariff prices one model.
type Tariff struct {
	ModelID          string              `json:"model_id"`
	Name             string              `json:"name,omitempty"`
	InputPrice       decimal.Decimal     `json:"input_price"`
	OutputPrice      decimal.Decimal     `json:"output_price"`
	OutputImagePrice decimal.NullDecimal `json:"output_image_price"`
	ModelMargin      decimal.Decimal     `json:"model_margin"`
	CreditPriceUSD   decimal.NullDecimal `json:"credit_price_usd"`

	// Fixed per-image token counts used when exact usage is unknown.
	InputTokens   int64 `json:"input_tokens"`
	LowResTokens  int64 `json:"low_res_tokens"`
	HighResTokens int64 `json:"high_res_tokens"`

	IsActive bool `json:"is_active"`
}

// Settings holds system-wide pricing configuration.
type Settings struct {
	SystemMargin  decimal.Decimal `json:"system_margin"`
	CreditsPerUSD decimal.Decimal `json:"credits_per_usd"`
	USDRUBRate    decimal.Decimal `json:"usd_rub_rate"`
}

// Params are the inputs of Calculate.
type Params struct {
	Tariff            Tariff
	Settings          Settings
	UserMargin        decimal.Decimal
	InputTokens       int64
	OutputTokens      int64
	IsImageGeneration bool
	// NumberOfImages multiplies the output cost; values below 1 count as 1.
	NumberOfImages int
}

// Breakdown itemises a Result.
type Breakdown struct {
	InputCost      decimal.Decimal `json:"input_cost"`
	OutputCost     decimal.Decimal `json:"output_cost"`
	OutputPrice    decimal.Decimal `json:"output_price"`
	TotalMargin    decimal.Decimal `json:"total_margin"`
	CreditPriceUSD decimal.Decimal `json:"credit_price_usd"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	NumberOfImages int             `json:"number_of_images"`
}

// Result is the output of Calculate.
type Result struct {
	BaseCost        decimal.Decimal `json:"base_cost"`
	TotalCostUSD    decimal.Decimal `json:"total_cost_usd"`
	CreditsToDeduct decimal.Decimal `json:"credits_to_deduct"`
	CostRUB         decimal.Decimal `json:"cost_rub"`
	Breakdown       Breakdown       `json:"breakdown"`
}

// Calculate computes the cost of one generation.
func Calculate(p Params) (Result, error) {
	images := p.NumberOfImages
	if images < 1 {
		images = 1
	}

	inputCost := decimal.NewFromInt(p.InputTokens).Div(million).Mul(p.Tariff.InputPrice)

	outputPrice := p.Tariff.OutputPrice
	if p.IsImageGeneration && p.Tariff.OutputImagePrice.Valid && !p.Tariff.OutputImagePrice.Decimal.IsZero() {
		outputPrice = p.Tariff.OutputImagePrice.Decimal
	}
	outputCost := decimal.NewFromInt(p.OutputTokens).Div(million).
		Mul(outputPrice).
		Mul(decimal.NewFromInt(int64(images)))

	baseCost := inputCost.Add(outputCost)

	totalMargin := p.Settings.SystemMargin.Add(p.UserMargin).Add(p.Tariff.ModelMargin)
	totalCostUSD := baseCost.Mul(decimal.NewFromInt(1).Add(totalMargin))

	creditPrice, err := CreditPrice(p.Tariff, p.Settings)
	if err != nil {
		return Result{}, err
	}
	credits := totalCostUSD.Div(creditPrice)
	if !hasCreditPriceOverride(p.Tariff) {
		credits = totalCostUSD.Mul(p.Settings.CreditsPerUSD)
	}

	return Result{
		BaseCost:        baseCost,
		TotalCostUSD:    totalCostUSD,
		CreditsToDeduct: credits,
		CostRUB:         totalCostUSD.Mul(p.Settings.USDRUBRate),
		Breakdown: Breakdown{
			InputCost:      inputCost,
			OutputCost:     outputCost,
			OutputPrice:    outputPrice,
			TotalMargin:    totalMargin,
			CreditPriceUSD: creditPrice,
			InputTokens:    p.InputTokens,
			OutputTokens:   p.OutputTokens,
			NumberOfImages: images,
		},
	}, nil
}

// CreditPrice returns the USD price of one credit: the tariff override when
// set, otherwise 1/CreditsPerUSD.
func CreditPrice(t Tariff, s Settings) (decimal.Decimal, error) {
	if hasCreditPriceOverride(t) {
		return t.CreditPriceUSD.Decimal, nil
	}
	if !s.CreditsPerUSD.IsPositive() {
		return decimal.Zero, ErrInvalidSettings
	}
	return decimal.NewFromInt(1).Div(s.CreditsPerUSD), nil
}

func hasCreditPriceOverride(t Tariff) bool {
	return t.CreditPriceUSD.Valid && t.CreditPriceUSD.Decimal.IsPositive()
}

// Quality selects the per-image token count used by Estimate.
type Quality string

// Supported qualities.
const (
	QualityLow  Quality = "low"
	QualityHigh Quality = "high"
)

// Estimate prices an image generation from the tariff's fixed per-image token
// counts. It is used for pre-flight display and reservation sizing.
func Estimate(t Tariff, s Settings, userMargin decimal.Decimal, q Quality, images int) (Result, error) {
	output := t.LowResTokens
	if q == QualityHigh && t.HighResTokens > 0 {
		output = t.HighResTokens
	}
	return Calculate(Params{
		Tariff:            t,
		Settings:          s,
		UserMargin:        userMargin,
		InputTokens:       t.InputTokens,
		OutputTokens:      output,
		IsImageGeneration: true,
		NumberOfImages:    images,
	})
}

// Validate checks a tariff is usable.
func (t Tariff) Validate() error {
	if t.ModelID == "" {
		return errors.New("cost: tariff model_id is required")
	}
	if t.InputPrice.IsNegative() || t.OutputPrice.IsNegative() {
		return fmt.Errorf("cost: tariff %s has a negative price", t.ModelID)
	}
	if t.OutputImagePrice.Valid && t.OutputImagePrice.Decimal.IsNegative() {
		return fmt.Errorf("cost: tariff %s has a negative image price", t.ModelID)
	}
	if t.LowResTokens < 0 || t.HighResTokens < 0 || t.InputTokens < 0 {
		return fmt.Errorf("cost: tariff %s has negative token counts", t.ModelID)
	}
	return nil
}

// Store persists tariffs and settings.
type Store interface {
	PutTariff(ctx context.Context, t *Tariff) error
	GetTariff(ctx context.Context, modelID string) (*Tariff, error)
	ListTariffs(ctx context.Context) ([]*Tariff, error)
	PutSettings(ctx context.Context, s *Settings) error
	GetSettings(ctx context.Context) (*Settings, error)
}
