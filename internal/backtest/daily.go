package backtest

import (
	"time"
)

// tradingDay attributes an instant to a rollover day. The day boundary sits
// at rollover hour in the rollover timezone; an instant before the boundary
// belongs to the previous day's session.
func tradingDay(tsMs int64, loc *time.Location, rolloverHour int) string {
	t := time.UnixMilli(tsMs).In(loc)
	shifted := t.Add(-time.Duration(rolloverHour) * time.Hour)
	return shifted.Format("2006-01-02")
}
