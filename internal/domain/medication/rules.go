package medication

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrNotFound          = errors.New("medication not found")
	ErrNotSelectable     = errors.New("medication is out of stock or expired")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	// ErrNoDispense means a visit entry claims a dispense that does not
	// exist, does not match the entry, or already belongs to another visit.
	ErrNoDispense = errors.New("no unlinked dispense matches the entry")
)

// ValidationError is an input the service refuses before touching storage.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// IsSelectable reports whether m may be offered for dispensing on the given
// day: stock must be positive and the expiry date, compared as a calendar
// date, must not be before today. A medication with no expiry never expires.
func IsSelectable(m *Medication, today time.Time) bool {
	if m == nil || m.CurrentStock <= 0 {
		return false
	}
	if m.ExpiryDate == nil {
		return true
	}
	return !dateOnly(*m.ExpiryDate).Before(dateOnly(today))
}

func dateOnly(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// ParseQuantity takes the first run of ASCII digits in a free-text dosage as
// the number of units. "2 tablets" is 2, "take 10ml" is 10. Dosage text with
// no digits, or digits that read as zero or overflow, counts as one unit.
func ParseQuantity(dosage string) int {
	start := -1
	for i := 0; i < len(dosage); i++ {
		isDigit := dosage[i] >= '0' && dosage[i] <= '9'
		if isDigit && start < 0 {
			start = i
		}
		if !isDigit && start >= 0 {
			return quantityOrOne(dosage[start:i])
		}
	}
	if start >= 0 {
		return quantityOrOne(dosage[start:])
	}
	return 1
}

func quantityOrOne(digits string) int {
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// Dispense returns the stock level left after taking quantity units from m.
// m itself is never modified; the caller persists the new level.
func Dispense(m *Medication, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	remaining := m.CurrentStock - quantity
	if remaining < 0 {
		return 0, fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, m.Name, m.CurrentStock, quantity)
	}
	return remaining, nil
}
