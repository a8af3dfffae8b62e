package tellerd

import "github.com/shopspring/decimal"

// DefaultReviewThreshold is the amount above which a transaction requires
// manual review when no threshold is configured.
const DefaultReviewThreshold = "10000"

type Disposition int

const (
	AutoComplete Disposition = iota
	RequiresReview
)

// Classifier decides, from the requested amount alone, whether a transaction
// must be routed to manual review. It is pure and deterministic.
type Classifier struct {
	threshold decimal.Decimal
}

func NewClassifier(threshold decimal.Decimal) Classifier {
	return Classifier{threshold: threshold}
}

func DefaultClassifier() Classifier {
	return Classifier{threshold: decimal.RequireFromString(DefaultReviewThreshold)}
}

// Classify returns RequiresReview for amounts strictly greater than the
// threshold. An amount exactly equal to the threshold auto-completes; the
// inequality is policy and must not be loosened to >=.
func (c Classifier) Classify(amount decimal.Decimal) Disposition {
	if amount.GreaterThan(c.threshold) {
		return RequiresReview
	}
	return AutoComplete
}
