package domain

import (
	"fmt"
	"time"
)

// Category is a notification category. Quota policy is configured per
// category; the set of categories is closed.
type Category string

const (
	CategoryBidAlert    Category = "bidAlert"
	CategoryMarketing   Category = "marketing"
	CategoryTwoFactor   Category = "2fa"
	CategoryNFTPurchase Category = "nftPurchase"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryBidAlert,
	CategoryMarketing,
	CategoryTwoFactor,
	CategoryNFTPurchase,
}

// CategoryClass groups categories by how their quota behaves.
type CategoryClass int

const (
	// ClassUrgentTransactional is never rate limited (security codes,
	// purchase receipts).
	ClassUrgentTransactional CategoryClass = iota
	// ClassHighFrequencyAlert is capped per hour.
	ClassHighFrequencyAlert
	// ClassBroadcast is capped per day.
	ClassBroadcast
)

func (c CategoryClass) String() string {
	switch c {
	case ClassUrgentTransactional:
		return "urgent-transactional"
	case ClassHighFrequencyAlert:
		return "high-frequency-alert"
	case ClassBroadcast:
		return "broadcast"
	}
	return fmt.Sprintf("CategoryClass(%d)", int(c))
}

// Class returns the class of a category. Adding a category without
// extending this switch makes ParseCategory reject it.
func (c Category) Class() (CategoryClass, error) {
	switch c {
	case CategoryTwoFactor, CategoryNFTPurchase:
		return ClassUrgentTransactional, nil
	case CategoryBidAlert:
		return ClassHighFrequencyAlert, nil
	case CategoryMarketing:
		return ClassBroadcast, nil
	}
	return 0, fmt.Errorf("unknown category %q", string(c))
}

// ParseCategory converts a raw string to a known Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if _, err := c.Class(); err != nil {
		return "", err
	}
	return c, nil
}

// QuotaPolicy is the quota rule for one category. Cap -1 means unlimited.
type QuotaPolicy struct {
	Cap        int           `json:"cap" yaml:"cap"`
	Window     time.Duration `json:"window" yaml:"-"`
	Bypassable bool          `json:"bypassable" yaml:"bypassable"`
}

// Unbounded reports whether the policy never rejects.
func (p QuotaPolicy) Unbounded() bool {
	return p.Bypassable || p.Cap < 0
}

// DefaultPolicy returns the built-in policy for a class.
func DefaultPolicy(class CategoryClass) QuotaPolicy {
	switch class {
	case ClassHighFrequencyAlert:
		return QuotaPolicy{Cap: 5, Window: time.Hour}
	case ClassBroadcast:
		return QuotaPolicy{Cap: 2, Window: 24 * time.Hour}
	default:
		return QuotaPolicy{Cap: -1, Bypassable: true}
	}
}
