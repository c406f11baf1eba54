package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Credential is a pooled access token for the remote generation service.
type Credential struct {
	ID            string    `json:"id"`
	Label         string    `json:"label,omitempty"`
	Token         string    `json:"-"`
	Active        bool      `json:"active"`
	Priority      int       `json:"priority"`
	DailyUsage    int       `json:"daily_usage"`
	LifetimeUsage int       `json:"lifetime_usage"`
	LastReset     time.Time `json:"last_reset"`
	CreatedAt     time.Time `json:"created_at"`
}

// MaskedToken returns the token with all but its edges hidden.
func (c *Credential) MaskedToken() string {
	return MaskToken(c.Token)
}

// MaskToken hides the middle of a secret for logging.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// FractionScale is the number of fractional sub-units per integral unit.
const FractionScale = 100

// Amount is a price or balance in integral units plus a fractional
// remainder expressed in hundredths (0..99).
type Amount struct {
	Units    int64 `json:"units"`
	Fraction int64 `json:"fraction"`
}

// ParseAmount parses "12", "12.5" or "12.05".
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, nil
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	var fraction int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return Amount{}, fmt.Errorf("invalid amount %q", s)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		fraction, err = strconv.ParseInt(frac, 10, 64)
		if err != nil || fraction < 0 {
			return Amount{}, fmt.Errorf("invalid amount %q", s)
		}
	}
	return Amount{Units: units, Fraction: fraction}, nil
}

// String formats the amount as units.hundredths.
func (a Amount) String() string {
	return fmt.Sprintf("%d.%02d", a.Units, a.Fraction)
}

// Cmp compares two amounts.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.Units != b.Units:
		if a.Units < b.Units {
			return -1
		}
		return 1
	case a.Fraction < b.Fraction:
		return -1
	case a.Fraction > b.Fraction:
		return 1
	}
	return 0
}

// IsZero reports whether the amount is nothing.
func (a Amount) IsZero() bool {
	return a.Units == 0 && a.Fraction == 0
}

// Covers reports whether a is at least cost.
func (a Amount) Covers(cost Amount) bool {
	return a.Cmp(cost) >= 0
}

// Debit subtracts cost, borrowing one integral unit when the fractional
// remainder would go negative.
func (a Amount) Debit(cost Amount) Amount {
	units := a.Units - cost.Units
	fraction := a.Fraction - cost.Fraction
	if fraction < 0 {
		units--
		fraction += FractionScale
	}
	return Amount{Units: units, Fraction: fraction}
}

// Credit adds an amount, carrying overflowing fractions.
func (a Amount) Credit(add Amount) Amount {
	units := a.Units + add.Units
	fraction := a.Fraction + add.Fraction
	if fraction >= FractionScale {
		units++
		fraction -= FractionScale
	}
	return Amount{Units: units, Fraction: fraction}
}

// BillingEntry is one append-only line of a user's billing history.
type BillingEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Delta     Amount    `json:"delta"`
	Debit     bool      `json:"debit"`
	Balance   Amount    `json:"balance"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
