package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"github.com/skalibog/atrbot/pkg/models"
)

const (
	decisionsFile = "decisions.jsonl"
	tradesFile    = "trades.jsonl"
)

// JSONFileRecorder пишет решения и сделки построчно в JSON файлы
type JSONFileRecorder struct {
	dir string

	mu        sync.Mutex
	decisions *os.File
	trades    *os.File
}

// NewJSONFileRecorder открывает файлы журнала в каталоге dir
func NewJSONFileRecorder(dir string) (*JSONFileRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога %s: %w", dir, err)
	}
	decisions, err := openAppend(filepath.Join(dir, decisionsFile))
	if err != nil {
		return nil, err
	}
	trades, err := openAppend(filepath.Join(dir, tradesFile))
	if err != nil {
		decisions.Close()
		return nil, err
	}
	return &JSONFileRecorder{dir: dir, decisions: decisions, trades: trades}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия %s: %w", path, err)
	}
	return f, nil
}

func (r *JSONFileRecorder) WriteDecision(_ context.Context, summary models.TickSummary) error {
	return r.append(r.decisions, summary)
}

func (r *JSONFileRecorder) WriteTrade(_ context.Context, trade models.TradeRecord) error {
	return r.append(r.trades, trade)
}

func (r *JSONFileRecorder) append(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = f.Write(data)
	return err
}

// RecentTrades читает журнал сделок целиком
func (r *JSONFileRecorder) RecentTrades(_ context.Context, symbol string, limit int) ([]models.TradeRecord, error) {
	r.mu.Lock()
	data, err := os.ReadFile(filepath.Join(r.dir, tradesFile))
	r.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var all []models.TradeRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var tr models.TradeRecord
		if err := json.Unmarshal(line, &tr); err != nil {
			// недописанная строка после аварийной остановки
			continue
		}
		if symbol == "" || tr.Symbol == symbol {
			all = append(all, tr)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]models.TradeRecord, 0, limit)
	for i := len(all) - 1; len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (r *JSONFileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return multierr.Combine(r.decisions.Close(), r.trades.Close())
}
