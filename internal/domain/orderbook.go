package domain

import "sort"

// BookSide identifica uno de los dos ladders de un mercado binario.
type BookSide string

const (
	BookYes BookSide = "yes"
	BookNo  BookSide = "no"
)

// Precios en centavos. Un contrato paga 100 al resolverse a favor.
const (
	MinPrice = 1
	MaxPrice = 99
	Payout   = 100
)

// ValidPrice indica si p es un precio negociable (1–99).
func ValidPrice(p int) bool {
	return p >= MinPrice && p <= MaxPrice
}

// ParseBookSide convierte "yes"/"no" en BookSide.
func ParseBookSide(s string) (BookSide, bool) {
	switch BookSide(s) {
	case BookYes, BookNo:
		return BookSide(s), true
	}
	return "", false
}

// Level es un nivel de precio del ladder.
type Level struct {
	Price int
	Qty   int
}

// Ladder mantiene los bids ordenados de mayor a menor precio.
// Invariante: precios únicos y Qty > 0 en todos los niveles.
type Ladder struct {
	levels []Level
}

// NewLadder construye un ladder a partir de niveles crudos de un snapshot.
// Niveles repetidos se suman; precios inválidos y cantidades <= 0 se descartan.
func NewLadder(raw []Level) Ladder {
	byPrice := make(map[int]int, len(raw))
	for _, lvl := range raw {
		if !ValidPrice(lvl.Price) {
			continue
		}
		byPrice[lvl.Price] += lvl.Qty
	}
	levels := make([]Level, 0, len(byPrice))
	for p, q := range byPrice {
		if q > 0 {
			levels = append(levels, Level{Price: p, Qty: q})
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	return Ladder{levels: levels}
}

// search devuelve la posición de price (o donde se insertaría) y si existe.
func (l *Ladder) search(price int) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool { return l.levels[i].Price <= price })
	return i, i < len(l.levels) && l.levels[i].Price == price
}

// Apply suma delta a la cantidad en price.
// Si el nivel queda en <= 0 se elimina; un delta negativo sobre un nivel
// inexistente no hace nada.
func (l *Ladder) Apply(price, delta int) {
	i, found := l.search(price)
	if found {
		q := l.levels[i].Qty + delta
		if q <= 0 {
			l.levels = append(l.levels[:i], l.levels[i+1:]...)
			return
		}
		l.levels[i].Qty = q
		return
	}
	if delta <= 0 {
		return
	}
	l.levels = append(l.levels, Level{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = Level{Price: price, Qty: delta}
}

// Best devuelve el mejor bid, o Level{} si el ladder está vacío.
func (l *Ladder) Best() Level {
	if len(l.levels) == 0 {
		return Level{}
	}
	return l.levels[0]
}

// Second devuelve el segundo mejor bid, o Level{} si no existe.
func (l *Ladder) Second() Level {
	if len(l.levels) < 2 {
		return Level{}
	}
	return l.levels[1]
}

// Levels devuelve una copia de los niveles, de mayor a menor precio.
func (l *Ladder) Levels() []Level {
	out := make([]Level, len(l.levels))
	copy(out, l.levels)
	return out
}

// OrderBook representa el libro reconstruido de un ticker: bids YES y bids NO.
type OrderBook struct {
	Ticker string
	Yes    Ladder
	No     Ladder
}

// Ladder devuelve el ladder del lado pedido.
func (ob *OrderBook) Ladder(side BookSide) *Ladder {
	if side == BookNo {
		return &ob.No
	}
	return &ob.Yes
}

// TopOfBook son las métricas derivadas del libro. No se almacenan.
type TopOfBook struct {
	Ticker     string
	BestYes    int
	BestYesQty int
	SecondYes  int
	BestNo     int
	BestNoQty  int
	SecondNo   int
	YesAsk     int // 100 - mejor bid NO, o 100 sin bids
	NoAsk      int // 100 - mejor bid YES, o 100 sin bids
}

// Top calcula el top-of-book actual.
func (ob *OrderBook) Top() TopOfBook {
	by, bn := ob.Yes.Best(), ob.No.Best()
	return TopOfBook{
		Ticker:     ob.Ticker,
		BestYes:    by.Price,
		BestYesQty: by.Qty,
		SecondYes:  ob.Yes.Second().Price,
		BestNo:     bn.Price,
		BestNoQty:  bn.Qty,
		SecondNo:   ob.No.Second().Price,
		YesAsk:     complement(bn.Price),
		NoAsk:      complement(by.Price),
	}
}

func complement(bid int) int {
	if bid <= 0 {
		return Payout
	}
	return Payout - bid
}
