package domain

import (
	"fmt"
	"math"
	"time"
)

// Side es una de las dos patas de un match: A o B.
// Cotizar un lado significa comprar YES en el ticker de ese lado.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Sides en orden estable, útil para iterar.
var Sides = [2]Side{SideA, SideB}

// Opposite devuelve la otra pata.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// MatchSettings son los parámetros de cotización que el operador puede
// actualizar con el match corriendo.
type MatchSettings struct {
	TheoA        float64   // centavos
	TheoB        float64   // centavos; no tiene por qué sumar 100 con TheoA
	Edge         float64   // centavos por debajo de theo
	Contracts    int       // tamaño de cada orden
	MaxInventory int       // |count_a - count_b| máximo
	EventTime    time.Time // zero = sin expiración
}

// Theo devuelve el theo del lado pedido.
func (s MatchSettings) Theo(side Side) float64 {
	if side == SideB {
		return s.TheoB
	}
	return s.TheoA
}

// Ceiling es el precio máximo que se puede ofrecer en side: floor(theo - edge).
func (s MatchSettings) Ceiling(side Side) int {
	return int(math.Floor(s.Theo(side) - s.Edge))
}

// Expired indica si el evento ya empezó en now.
func (s MatchSettings) Expired(now time.Time) bool {
	return !s.EventTime.IsZero() && !now.Before(s.EventTime)
}

// Validate revisa los parámetros. Los errores envuelven ErrInvalidMatch.
func (s MatchSettings) Validate() error {
	for _, side := range Sides {
		theo := s.Theo(side)
		if theo <= 0 || theo >= Payout {
			return fmt.Errorf("%w: theo %s %.2f out of range (0, 100)", ErrInvalidMatch, side, theo)
		}
	}
	if s.Edge < 0 {
		return fmt.Errorf("%w: negative edge %.2f", ErrInvalidMatch, s.Edge)
	}
	if s.Contracts <= 0 {
		return fmt.Errorf("%w: contracts must be positive, got %d", ErrInvalidMatch, s.Contracts)
	}
	if s.MaxInventory <= 0 {
		return fmt.Errorf("%w: max_inventory must be positive, got %d", ErrInvalidMatch, s.MaxInventory)
	}
	return nil
}

// Match empareja dos instrumentos mutuamente excluyentes de un mismo evento.
type Match struct {
	ID       string
	Name     string
	TickerA  string
	TickerB  string
	Settings MatchSettings
	Active   bool
}

// Ticker devuelve el instrumento de side.
func (m Match) Ticker(side Side) string {
	if side == SideB {
		return m.TickerB
	}
	return m.TickerA
}

// SideOf resuelve a qué pata pertenece ticker.
func (m Match) SideOf(ticker string) (Side, bool) {
	switch ticker {
	case m.TickerA:
		return SideA, true
	case m.TickerB:
		return SideB, true
	}
	return "", false
}

// Label devuelve el nombre para mostrar.
func (m Match) Label() string {
	if m.Name != "" {
		return m.Name
	}
	return m.TickerA + " vs " + m.TickerB
}

// Validate revisa identidad y parámetros del match.
func (m Match) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMatch)
	}
	if m.TickerA == "" || m.TickerB == "" {
		return fmt.Errorf("%w: both tickers are required", ErrInvalidMatch)
	}
	if m.TickerA == m.TickerB {
		return fmt.Errorf("%w: tickers must differ (%s)", ErrInvalidMatch, m.TickerA)
	}
	return m.Settings.Validate()
}
