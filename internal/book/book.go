package book

import (
	"sort"

	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/shopspring/decimal"
)

// Book indexes open orders by side with price-time priority: buys sorted
// highest price first, sells lowest price first, ties broken by earliest
// creation time. It is not safe for concurrent use; the matching engine
// serializes access behind its pair lock.
type Book struct {
	buys  []*models.Order
	sells []*models.Order
}

// NewBook creates an empty order book
func NewBook() *Book {
	return &Book{
		buys:  []*models.Order{},
		sells: []*models.Order{},
	}
}

// Insert adds an open order to the appropriate side index
func (b *Book) Insert(order *models.Order) {
	if order.Side == models.SideBuy {
		b.buys = append(b.buys, order)
		// Sort buy orders: highest price first, then earliest time
		sort.SliceStable(b.buys, func(i, j int) bool {
			if b.buys[i].Price.Equal(b.buys[j].Price) {
				return b.buys[i].CreatedAt.Before(b.buys[j].CreatedAt)
			}
			return b.buys[i].Price.GreaterThan(b.buys[j].Price)
		})
	} else {
		b.sells = append(b.sells, order)
		// Sort sell orders: lowest price first, then earliest time
		sort.SliceStable(b.sells, func(i, j int) bool {
			if b.sells[i].Price.Equal(b.sells[j].Price) {
				return b.sells[i].CreatedAt.Before(b.sells[j].CreatedAt)
			}
			return b.sells[i].Price.LessThan(b.sells[j].Price)
		})
	}
}

// Remove deletes an order from whichever side holds it, returning false if
// the order is not in the book.
func (b *Book) Remove(orderID int) bool {
	for i, o := range b.buys {
		if o.ID == orderID {
			b.buys = append(b.buys[:i], b.buys[i+1:]...)
			return true
		}
	}
	for i, o := range b.sells {
		if o.ID == orderID {
			b.sells = append(b.sells[:i], b.sells[i+1:]...)
			return true
		}
	}
	return false
}

// Candidates returns the resting counter-orders that cross an incoming order
// at the given price, in matching priority order. For an incoming buy these
// are the open sells priced at or below the limit (cheapest first); for an
// incoming sell, the open buys priced at or above it (highest first). The
// side indexes are already in priority order, so a crossing prefix suffices.
func (b *Book) Candidates(side string, price decimal.Decimal) []*models.Order {
	var out []*models.Order
	if side == models.SideBuy {
		for _, o := range b.sells {
			if o.Price.GreaterThan(price) {
				break
			}
			out = append(out, o)
		}
	} else {
		for _, o := range b.buys {
			if o.Price.LessThan(price) {
				break
			}
			out = append(out, o)
		}
	}
	return out
}

// Snapshot returns copies of both sides in priority order
func (b *Book) Snapshot() (buys, sells []models.Order) {
	buys = make([]models.Order, len(b.buys))
	for i, o := range b.buys {
		buys[i] = *o
	}
	sells = make([]models.Order, len(b.sells))
	for i, o := range b.sells {
		sells[i] = *o
	}
	return buys, sells
}
