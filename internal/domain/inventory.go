package domain

// InventoryPosition es la posición acumulada de un match.
// Los costos están en centavos totales (precio × contratos).
type InventoryPosition struct {
	CountA int
	CountB int
	CostA  int64
	CostB  int64
}

// Count devuelve los contratos long en side.
func (p InventoryPosition) Count(side Side) int {
	if side == SideB {
		return p.CountB
	}
	return p.CountA
}

// Cost devuelve el costo acumulado en side.
func (p InventoryPosition) Cost(side Side) int64 {
	if side == SideB {
		return p.CostB
	}
	return p.CostA
}

// Net es la exposición direccional: positiva = long A.
func (p InventoryPosition) Net() int {
	return p.CountA - p.CountB
}

// AtLimit indica si side ya no puede comprar sin pasar max.
// Fills en A suben Net, fills en B lo bajan.
func (p InventoryPosition) AtLimit(side Side, max int) bool {
	if side == SideA {
		return p.Net() >= max
	}
	return p.Net() <= -max
}
