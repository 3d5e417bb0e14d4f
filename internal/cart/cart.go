// Package cart holds the in-memory cart of a POS session. A Cart is not safe
// for concurrent use; callers serialize access per session.
package cart

import (
	"errors"
	"fmt"
	"sort"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/pricing"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLineNotFound      = errors.New("cart line not found")
	ErrInvalidProduct    = errors.New("invalid product")
)

// InsufficientStockError carries how many more units of the product can still
// be added given what the cart already holds.
type InsufficientStockError struct {
	ProductID  string
	Requested  int
	Stock      int
	MaxAddable int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, stock %d, max addable %d", e.ProductID, e.Requested, e.Stock, e.MaxAddable)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type line struct {
	product domain.Product
	qty     int
	price   pricing.Resolution
}

func (l *line) view() domain.CartLine {
	out := domain.CartLine{
		ProductID:      l.product.ID,
		Name:           l.product.Name,
		Qty:            l.qty,
		UnitPriceCents: l.price.UnitPriceCents,
		TotalCents:     l.price.UnitPriceCents * int64(l.qty),
		PointsPerUnit:  l.product.PointsPerUnit,
	}
	if l.price.Tier != nil {
		out.TierID = l.price.Tier.ID
	}
	return out
}

type Cart struct {
	lines map[string]*line
}

func New() *Cart {
	return &Cart{lines: make(map[string]*line)}
}

// Add puts qty units of product into the cart, merging with an existing line.
// A non-positive qty adds a single unit.
func (c *Cart) Add(product domain.Product, qty int) (domain.CartLine, error) {
	if product.ID == "" {
		return domain.CartLine{}, ErrInvalidProduct
	}
	if qty < 1 {
		qty = 1
	}

	existing := 0
	if current, ok := c.lines[product.ID]; ok {
		existing = current.qty
	}

	next := existing + qty
	if next > product.CurrentStock {
		return domain.CartLine{}, &InsufficientStockError{
			ProductID:  product.ID,
			Requested:  qty,
			Stock:      product.CurrentStock,
			MaxAddable: max(product.CurrentStock-existing, 0),
		}
	}

	l := &line{product: product, qty: next, price: pricing.Resolve(product, next)}
	c.lines[product.ID] = l
	return l.view(), nil
}

// UpdateQuantity sets the quantity of an existing line against the product
// snapshot the line already holds. A quantity of zero or less removes the line.
func (c *Cart) UpdateQuantity(productID string, qty int) (domain.CartLine, error) {
	current, ok := c.lines[productID]
	if !ok {
		if qty <= 0 {
			return domain.CartLine{}, nil
		}
		return domain.CartLine{}, ErrLineNotFound
	}
	return c.UpdateQuantityWith(current.product, qty)
}

// UpdateQuantityWith is UpdateQuantity against a fresher product snapshot. On
// success the line keeps the new snapshot and is re-priced as a whole.
func (c *Cart) UpdateQuantityWith(product domain.Product, qty int) (domain.CartLine, error) {
	if qty <= 0 {
		c.Remove(product.ID)
		return domain.CartLine{}, nil
	}

	current, ok := c.lines[product.ID]
	if !ok {
		return domain.CartLine{}, ErrLineNotFound
	}
	if qty > product.CurrentStock {
		return domain.CartLine{}, &InsufficientStockError{
			ProductID:  product.ID,
			Requested:  qty,
			Stock:      product.CurrentStock,
			MaxAddable: max(product.CurrentStock-current.qty, 0),
		}
	}

	current.product = product
	current.qty = qty
	current.price = pricing.Resolve(product, qty)
	return current.view(), nil
}

// Refresh re-binds an existing line to a newer product snapshot and re-prices
// it at its current quantity. The line is left untouched when it no longer
// fits the snapshot's stock.
func (c *Cart) Refresh(product domain.Product) (domain.CartLine, error) {
	current, ok := c.lines[product.ID]
	if !ok {
		return domain.CartLine{}, ErrLineNotFound
	}
	if current.qty > product.CurrentStock {
		return domain.CartLine{}, &InsufficientStockError{
			ProductID:  product.ID,
			Requested:  current.qty,
			Stock:      product.CurrentStock,
			MaxAddable: 0,
		}
	}
	current.product = product
	current.price = pricing.Resolve(product, current.qty)
	return current.view(), nil
}

// Remove drops the line for productID. Removing a missing line is a no-op.
func (c *Cart) Remove(productID string) {
	delete(c.lines, productID)
}

func (c *Cart) Line(productID string) (domain.CartLine, bool) {
	l, ok := c.lines[productID]
	if !ok {
		return domain.CartLine{}, false
	}
	return l.view(), true
}

// Lines returns the cart contents ordered by product id.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, 0, len(c.lines))
	for _, l := range c.lines {
		out = append(out, l.view())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

func (c *Cart) TotalAmount() int64 {
	var total int64
	for _, l := range c.lines {
		total += l.price.UnitPriceCents * int64(l.qty)
	}
	return total
}

func (c *Cart) TotalPoints() int {
	points := 0
	for _, l := range c.lines {
		points += l.product.PointsPerUnit * l.qty
	}
	return points
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Clear() {
	c.lines = make(map[string]*line)
}

func (c *Cart) View(terminalID string) domain.CartView {
	return domain.CartView{
		TerminalID:   terminalID,
		Lines:        c.Lines(),
		TotalCents:   c.TotalAmount(),
		PointsEarned: c.TotalPoints(),
	}
}
