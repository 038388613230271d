package costcontrol

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBillingUnit is the smallest audio unit billed: durations are rounded
// up to whole seconds before being converted to minutes.
const DefaultBillingUnit = time.Second

var minuteNanos = decimal.NewFromInt(int64(time.Minute))

// PriceSchedule converts operation sizes into money. Immutable after construction.
type PriceSchedule struct {
	TokenPrice         decimal.Decimal
	ImagePrices        []decimal.Decimal
	TranscriptionPrice decimal.Decimal // Per minute
	BillingUnit        time.Duration
}

// NewPriceSchedule builds a schedule from configuration.
func NewPriceSchedule(cfg PricingConfig) PriceSchedule {
	images := make([]decimal.Decimal, len(cfg.ImagePrices))
	for i, p := range cfg.ImagePrices {
		images[i] = decimal.NewFromFloat(p)
	}
	return PriceSchedule{
		TokenPrice:         decimal.NewFromFloat(cfg.TokenPrice),
		ImagePrices:        images,
		TranscriptionPrice: decimal.NewFromFloat(cfg.TranscriptionPrice),
		BillingUnit:        DefaultBillingUnit,
	}
}

// TextCost returns tokens × token price.
func (p PriceSchedule) TextCost(tokens int) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return p.TokenPrice.Mul(decimal.NewFromInt(int64(tokens)))
}

// ImageCost returns the price of one image of the given tier.
// Out-of-range tiers are clamped into the defined range.
func (p PriceSchedule) ImageCost(tier int) decimal.Decimal {
	if len(p.ImagePrices) == 0 {
		return decimal.Zero
	}
	if tier < 0 {
		tier = 0
	}
	if tier > len(p.ImagePrices)-1 {
		tier = len(p.ImagePrices) - 1
	}
	return p.ImagePrices[tier]
}

// TranscriptionCost returns the price of transcribing d of audio, with d rounded
// up to the billing unit.
func (p PriceSchedule) TranscriptionCost(d time.Duration) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	unit := p.BillingUnit
	if unit <= 0 {
		unit = DefaultBillingUnit
	}
	units := (d + unit - 1) / unit
	billed := decimal.NewFromInt(int64(units * unit))
	return billed.Div(minuteNanos).Mul(p.TranscriptionPrice)
}

// ImageTierForSize maps an image resolution to its price tier.
// Unknown sizes map to the highest tier so they are never under-priced.
func ImageTierForSize(size string) int {
	switch strings.TrimSpace(size) {
	case "256x256":
		return 0
	case "512x512":
		return 1
	case "1024x1024":
		return 2
	}
	return 2
}
