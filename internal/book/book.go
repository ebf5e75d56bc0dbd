// Package book bundles the storage, ledger and pools of one money book.
// The real book is durable; the demo book is ephemeral and never shares
// pools or wallets with the real one.
package book

import (
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/ayo6706/minority-rounds/internal/store"
)

type Book struct {
	Name   string
	Demo   bool
	Store  store.Store
	Ledger *ledger.Ledger
	Pools  *pool.Aggregator
}

func New(st store.Store, l *ledger.Ledger, agg *pool.Aggregator) *Book {
	name := domain.BookReal
	if l.Demo() {
		name = domain.BookDemo
	}
	return &Book{Name: name, Demo: l.Demo(), Store: st, Ledger: l, Pools: agg}
}

// Set holds the books served by one process. Real is the authoritative
// book for round timing.
type Set struct {
	Real *Book
	Demo *Book
}

// For picks the book a request addresses.
func (s Set) For(demo bool) *Book {
	if demo && s.Demo != nil {
		return s.Demo
	}
	if demo {
		return nil
	}
	return s.Real
}

// All returns the configured books, real first.
func (s Set) All() []*Book {
	out := make([]*Book, 0, 2)
	if s.Real != nil {
		out = append(out, s.Real)
	}
	if s.Demo != nil {
		out = append(out, s.Demo)
	}
	return out
}
