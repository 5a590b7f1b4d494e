package ports

import (
	"context"

	"github.com/alejandrodnm/kalshimm/internal/domain"
)

// Notifier presenta el estado de cada match al operador.
type Notifier interface {
	// Notify muestra el estado de cotización e inventario de cada match.
	// En la implementación de consola, imprime una tabla formateada.
	Notify(ctx context.Context, statuses []domain.MatchStatus) error
}
