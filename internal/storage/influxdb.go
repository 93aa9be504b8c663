package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"

	"github.com/skalibog/atrbot/internal/config"
	"github.com/skalibog/atrbot/pkg/models"
)

// InfluxDBStorage пишет тики, события и сделки в InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(ctx context.Context, cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() error {
	s.client.Close()
	return nil
}

// WriteDecision сохраняет итог тика и его события
func (s *InfluxDBStorage) WriteDecision(ctx context.Context, summary models.TickSummary) error {
	fields := map[string]interface{}{
		"atr":            summary.ATR.InexactFloat64(),
		"atr_ready":      summary.ATRReady,
		"paused":         summary.Paused,
		"halted":         summary.Halted,
		"realized_pnl":   summary.Counters.RealizedPnL.InexactFloat64(),
		"trade_count":    summary.Counters.TradeCount,
		"open_positions": summary.Counters.OpenPositions,
		"events":         len(summary.Events),
	}
	if summary.Bar != nil {
		fields["close"] = summary.Bar.Close.InexactFloat64()
		fields["high"] = summary.Bar.High.InexactFloat64()
		fields["low"] = summary.Bar.Low.InexactFloat64()
	}
	if summary.Thresholds != nil {
		fields["reference"] = summary.Thresholds.Reference.InexactFloat64()
		fields["upper"] = summary.Thresholds.Upper.InexactFloat64()
		fields["lower"] = summary.Thresholds.Lower.InexactFloat64()
	}
	if summary.Command != nil {
		fields["command"] = string(summary.Command.Kind)
	}

	points := make([]*write.Point, 0, len(summary.Events)+1)
	points = append(points, influxdb2.NewPoint(
		"ticks",
		map[string]string{
			"symbol":  summary.Symbol,
			"trigger": string(summary.Trigger),
		},
		fields,
		summary.Time,
	))

	for i, ev := range summary.Events {
		points = append(points, influxdb2.NewPoint(
			"events",
			eventTags(summary.Symbol, ev),
			map[string]interface{}{
				"price":       ev.Price.InexactFloat64(),
				"reason":      ev.Reason,
				"position_id": ev.PositionID,
			},
			// события одного тика различаются сдвигом в наносекунду
			summary.Time.Add(time.Duration(i)),
		))
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи тика: %w", err)
	}
	return nil
}

// WriteTrade сохраняет закрытую сделку
func (s *InfluxDBStorage) WriteTrade(ctx context.Context, trade models.TradeRecord) error {
	point := influxdb2.NewPoint(
		"trades",
		map[string]string{
			"symbol": trade.Symbol,
			"side":   string(trade.Side),
			"reason": string(trade.Reason),
		},
		map[string]interface{}{
			"position_id":    trade.PositionID,
			"entry_price":    trade.EntryPrice.String(),
			"exit_price":     trade.ExitPrice.String(),
			"size":           trade.Size.String(),
			"fee":            trade.Fee.String(),
			"pnl":            trade.PnL.String(),
			"realized_today": trade.RealizedDay.String(),
			"open_order":     trade.OpenOrder,
			"close_order":    trade.CloseOrder,
			"opened_at":      trade.OpenedAt.UnixMilli(),
		},
		trade.ClosedAt,
	)

	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("ошибка записи сделки: %w", err)
	}
	return nil
}

// RecentTrades получает последние сделки
func (s *InfluxDBStorage) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.TradeRecord, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -90d)
			|> filter(fn: (r) => r._measurement == "trades")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, symbol, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса сделок: %w", err)
	}

	var trades []models.TradeRecord
	for result.Next() {
		record := result.Record()

		side, _ := record.ValueByKey("side").(string)
		reason, _ := record.ValueByKey("reason").(string)
		positionID, _ := record.ValueByKey("position_id").(string)
		openOrder, _ := record.ValueByKey("open_order").(string)
		closeOrder, _ := record.ValueByKey("close_order").(string)
		openedAt, _ := record.ValueByKey("opened_at").(int64)

		trades = append(trades, models.TradeRecord{
			PositionID:  positionID,
			Symbol:      symbol,
			Side:        models.Side(side),
			EntryPrice:  decimalField(record.ValueByKey("entry_price")),
			ExitPrice:   decimalField(record.ValueByKey("exit_price")),
			Size:        decimalField(record.ValueByKey("size")),
			Fee:         decimalField(record.ValueByKey("fee")),
			PnL:         decimalField(record.ValueByKey("pnl")),
			RealizedDay: decimalField(record.ValueByKey("realized_today")),
			Reason:      models.ExitReason(reason),
			OpenOrder:   openOrder,
			CloseOrder:  closeOrder,
			OpenedAt:    time.UnixMilli(openedAt).UTC(),
			ClosedAt:    record.Time(),
		})
	}

	// Проверяем на ошибки при обработке результатов
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}
	return trades, nil
}

// eventTags пустые значения тегов не пишутся
func eventTags(symbol string, ev models.Event) map[string]string {
	tags := map[string]string{"symbol": symbol, "kind": string(ev.Kind)}
	if ev.Action != "" {
		tags["action"] = ev.Action
	}
	if ev.Side != "" {
		tags["side"] = string(ev.Side)
	}
	return tags
}

func decimalField(v interface{}) decimal.Decimal {
	s, _ := v.(string)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
