package validator

import "time"

// now and today read the wall clock for cache-expiry and future-date
// checks; today is 23:59:59 of the current local day.
func now() time.Time {
	return time.Now()
}

func today() time.Time {
	y, m, d := time.Now().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.Now().Location())
}

func timeParse(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
