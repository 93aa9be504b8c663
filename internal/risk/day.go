package risk

import (
	"fmt"
	"time"
)

// DayClock определяет торговый день по полуночи в заданной зоне
type DayClock struct {
	loc *time.Location
}

// NewDayClock создает часы торгового дня для часового пояса tz
func NewDayClock(tz string) (*DayClock, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("неизвестный часовой пояс %q: %w", tz, err)
	}
	return &DayClock{loc: loc}, nil
}

// DayOf возвращает локальную полночь торгового дня, которому принадлежит t
func (c *DayClock) DayOf(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// NextBoundary возвращает начало следующего торгового дня после t
func (c *DayClock) NextBoundary(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
}

// SameDay проверяет, что a и b попадают в один торговый день
func (c *DayClock) SameDay(a, b time.Time) bool {
	return c.DayOf(a).Equal(c.DayOf(b))
}

func (c *DayClock) Location() *time.Location {
	return c.loc
}
