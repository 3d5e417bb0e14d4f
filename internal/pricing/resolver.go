// Package pricing resolves the unit price of a product for a committed quantity.
package pricing

import "retailpos/backend/internal/domain"

type Resolution struct {
	UnitPriceCents int64
	Tier           *domain.PriceTier
}

// Resolve picks the active tier with the greatest minimum quantity that the
// requested quantity satisfies. Equal minimums fall back to the smaller tier id.
// Without a qualifying tier the base selling price applies.
func Resolve(product domain.Product, qty int) Resolution {
	var best *domain.PriceTier
	for i := range product.PriceTiers {
		tier := &product.PriceTiers[i]
		if !tier.Active || tier.MinQuantity > qty {
			continue
		}
		if best == nil || tier.MinQuantity > best.MinQuantity ||
			(tier.MinQuantity == best.MinQuantity && tier.ID < best.ID) {
			best = tier
		}
	}

	if best == nil {
		return Resolution{UnitPriceCents: product.SellingPriceCents}
	}

	tier := *best
	return Resolution{UnitPriceCents: tier.PriceCents, Tier: &tier}
}

// LineTotal prices the whole quantity at the resolved tier, not marginally.
func LineTotal(product domain.Product, qty int) (Resolution, int64) {
	res := Resolve(product, qty)
	return res, res.UnitPriceCents * int64(qty)
}
