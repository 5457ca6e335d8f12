package bot

import (
	"errors"
	"regexp"
	"time"
)

// DeliveryLayout is the DD.MM.YYYY HH:MM format users type.
const DeliveryLayout = "02.01.2006 15:04"

var deliveryRe = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{4} \d{2}:\d{2}$`)

var (
	ErrDateFormat   = errors.New("date must look like DD.MM.YYYY HH:MM")
	ErrDateNotExist = errors.New("date does not exist")
	ErrDateInPast   = errors.New("date is in the past")
)

func dateErrorText(err error) string {
	switch {
	case errors.Is(err, ErrDateFormat):
		return "❌ Wrong format. Use DD.MM.YYYY HH:MM"
	case errors.Is(err, ErrDateNotExist):
		return "❌ That date does not exist!"
	default:
		return "❌ The date cannot be in the past!"
	}
}

// ParseDeliveryDate validates a delivery date typed by the user. The date
// must match DeliveryLayout, exist in the calendar and not precede now.
func ParseDeliveryDate(s string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if !deliveryRe.MatchString(s) {
		return time.Time{}, ErrDateFormat
	}
	t, err := time.ParseInLocation(DeliveryLayout, s, loc)
	if err != nil {
		return time.Time{}, ErrDateNotExist
	}
	if t.Before(now) {
		return time.Time{}, ErrDateInPast
	}
	return t, nil
}
