package tier

import (
	"errors"
	"strings"
)

// Tier is a membership level. The zero value is not a valid tier.
type Tier string

const (
	Bronze   Tier = "Bronze"
	Silver   Tier = "Silver"
	Gold     Tier = "Gold"
	Platinum Tier = "Platinum"
)

var ErrUnknownTier = errors.New("unknown_tier")

// Ordered lists tiers from lowest to highest.
var Ordered = []Tier{Bronze, Silver, Gold, Platinum}

// Rank orders tiers from 0 (Bronze) upwards; unknown tiers rank -1.
func (t Tier) Rank() int {
	for i, candidate := range Ordered {
		if candidate == t {
			return i
		}
	}
	return -1
}

func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// AtLeast reports whether t is the same as or above other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

func (t Tier) String() string {
	return string(t)
}

// Parse accepts tier names case-insensitively.
func Parse(raw string) (Tier, error) {
	value := strings.TrimSpace(raw)
	for _, candidate := range Ordered {
		if strings.EqualFold(string(candidate), value) {
			return candidate, nil
		}
	}
	return "", ErrUnknownTier
}
