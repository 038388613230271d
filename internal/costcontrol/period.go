package costcontrol

import "time"

// Start returns the beginning of the period containing t, evaluated in loc.
// All-time periods start at the zero time and therefore never roll over.
func (p Period) Start(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	switch p {
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	}
	return time.Time{}
}

// Next returns the start of the period after the one beginning at start.
// For all-time periods it returns the zero time.
func (p Period) Next(start time.Time) time.Time {
	switch p {
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	}
	return time.Time{}
}
