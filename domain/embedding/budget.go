// Package embedding assembles token-budgeted context windows around
// elements and generates their vectors.
package embedding

// safetyMargin keeps the packed context below the model limit even when
// the character-based token estimate runs hot.
const safetyMargin = 0.95

// Document shape cutoffs for the adaptive split.
const (
	smallDocElements = 20
	deepDocDepth     = 5
	flatDocDepth     = 2
)

// Split divides the context budget between the main element and its
// context tiers. Weights sum to 1.0.
type Split struct {
	Element  float64
	Parents  float64
	Siblings float64
	Children float64
}

// DefaultSplit is the unconstrained allocation: the element itself gets
// the largest share, ancestry beats siblings beats children.
func DefaultSplit() Split {
	return Split{Element: 0.40, Parents: 0.25, Siblings: 0.20, Children: 0.15}
}

// DocumentShape summarizes a parsed tree for the adaptive split.
type DocumentShape struct {
	ElementCount int
	MaxDepth     int
}

// AdaptiveSplit adjusts the default ratios to the document's shape:
// small documents have little context worth borrowing, deep trees carry
// meaning in their ancestry, flat ones only in their siblings.
func AdaptiveSplit(shape DocumentShape) Split {
	switch {
	case shape.ElementCount > 0 && shape.ElementCount < smallDocElements:
		return Split{Element: 0.55, Parents: 0.20, Siblings: 0.15, Children: 0.10}
	case shape.MaxDepth > deepDocDepth:
		return Split{Element: 0.35, Parents: 0.35, Siblings: 0.15, Children: 0.15}
	case shape.MaxDepth <= flatDocDepth:
		return Split{Element: 0.40, Parents: 0.10, Siblings: 0.35, Children: 0.15}
	}
	return DefaultSplit()
}

// Budget is the per-tier token allowance for one element's context.
type Budget struct {
	Total    int
	Element  int
	Parents  int
	Siblings int
	Children int
}

// NewBudget derives tier allowances from the model's token limit.
// Rounding losses go to the element tier so the tiers never sum past
// Total.
func NewBudget(modelMax int, split Split) Budget {
	total := int(float64(modelMax) * safetyMargin)
	b := Budget{
		Total:    total,
		Parents:  int(float64(total) * split.Parents),
		Siblings: int(float64(total) * split.Siblings),
		Children: int(float64(total) * split.Children),
	}
	b.Element = total - b.Parents - b.Siblings - b.Children
	return b
}
