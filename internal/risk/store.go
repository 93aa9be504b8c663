package risk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// DaySnapshot дневные счетчики, сохраняемые между перезапусками
type DaySnapshot struct {
	DayOpen     string          `json:"day_open_iso"`
	Timezone    string          `json:"timezone"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	LossBase    decimal.Decimal `json:"loss_base"`
	TradeCount  int             `json:"trade_count"`
}

// SnapshotStore хранит снимок дня в файле
type SnapshotStore struct {
	path string
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Load читает снимок. Отсутствие файла возвращает os.ErrNotExist.
func (s *SnapshotStore) Load() (DaySnapshot, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return DaySnapshot{}, err
	}
	var snap DaySnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return DaySnapshot{}, fmt.Errorf("поврежден снимок дня %s: %w", s.path, err)
	}
	return snap, nil
}

// Save атомарно записывает снимок
func (s *SnapshotStore) Save(snap DaySnapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, b, 0o600)
}

// writeFileAtomic пишет во временный файл, синхронизирует и переименовывает
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// IsMissing сообщает, что снимка еще нет
func IsMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
