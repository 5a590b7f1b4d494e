package book

import (
	"sync"

	"github.com/alejandrodnm/kalshimm/internal/domain"
)

// Store holds one reconstructed order book per ticker.
// The map is guarded by mu; each book has its own lock so different
// tickers never contend.
type Store struct {
	mu    sync.RWMutex
	books map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	book domain.OrderBook
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{books: make(map[string]*entry)}
}

// get returns the entry for ticker, creating an empty one if needed.
func (s *Store) get(ticker string) *entry {
	s.mu.RLock()
	e, ok := s.books[ticker]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.books[ticker]; ok {
		return e
	}
	e = &entry{book: domain.OrderBook{Ticker: ticker}}
	s.books[ticker] = e
	return e
}

// ApplySnapshot replaces both ladders of ticker and returns the new top.
// Repeating the same snapshot leaves the same book.
func (s *Store) ApplySnapshot(ticker string, yes, no []domain.Level) domain.TopOfBook {
	e := s.get(ticker)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book.Yes = domain.NewLadder(yes)
	e.book.No = domain.NewLadder(no)
	return e.book.Top()
}

// ApplyDelta adds delta to the level at price on side and returns the new top.
// A delta before any snapshot starts from an empty book.
func (s *Store) ApplyDelta(ticker string, side domain.BookSide, price, delta int) domain.TopOfBook {
	e := s.get(ticker)
	e.mu.Lock()
	defer e.mu.Unlock()
	if domain.ValidPrice(price) {
		e.book.Ladder(side).Apply(price, delta)
	}
	return e.book.Top()
}

// Top returns the derived top-of-book for ticker and whether a book exists.
func (s *Store) Top(ticker string) (domain.TopOfBook, bool) {
	s.mu.RLock()
	e, ok := s.books[ticker]
	s.mu.RUnlock()
	if !ok {
		return domain.TopOfBook{Ticker: ticker, YesAsk: domain.Payout, NoAsk: domain.Payout}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Top(), true
}

// Levels returns a copy of one ladder of ticker, best first.
func (s *Store) Levels(ticker string, side domain.BookSide) []domain.Level {
	s.mu.RLock()
	e, ok := s.books[ticker]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Ladder(side).Levels()
}

// Remove discards the book of each ticker.
func (s *Store) Remove(tickers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		delete(s.books, t)
	}
}

// Tickers returns the tickers that currently have a book.
func (s *Store) Tickers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for t := range s.books {
		out = append(out, t)
	}
	return out
}
