package exchange

import (
	"context"
	"errors"

	"github.com/skalibog/atrbot/pkg/models"
)

var (
	// ErrDataUnavailable рыночные данные не получены
	ErrDataUnavailable = errors.New("рыночные данные недоступны")
	// ErrOrderRejected биржа отклонила заявку или не исполнила ее
	ErrOrderRejected = errors.New("заявка отклонена")
	// ErrOrderTimeout подтверждение не получено вовремя
	ErrOrderTimeout = errors.New("истекло время ожидания исполнения")
)

// MarketData источник закрытых баров
type MarketData interface {
	// FetchLatestBar возвращает последний закрытый бар
	FetchLatestBar(ctx context.Context, symbol, interval string) (models.Candle, error)
	// FetchBars возвращает до limit последних закрытых баров, старые первыми
	FetchBars(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Orders исполнение заявок. Ответ без ошибки означает подтвержденное исполнение.
type Orders interface {
	SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	ClosePosition(ctx context.Context, p models.Position) (models.OrderResult, error)
}

// PositionReader позиции, открытые на счете. Нужен для сверки после перезапуска.
type PositionReader interface {
	OpenPositions(ctx context.Context, symbol string) ([]models.Position, error)
}

// Gateway возможности биржи, которые использует ядро
type Gateway interface {
	MarketData
	Orders
}
