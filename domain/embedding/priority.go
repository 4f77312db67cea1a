package embedding

import "github.com/docmesh/docmesh/domain/documents"

// Context roles, highest priority first. The encoder writes them into
// the context window so the model sees explicit role boundaries.
const (
	RoleMain             = "MAIN"
	RoleParent           = "PARENT"
	RolePrecedingSibling = "PRECEDING_SIBLING"
	RoleFollowingSibling = "FOLLOWING_SIBLING"
	RoleChild            = "CHILD"
	RoleCrossDocument    = "CROSS_DOCUMENT"
)

// Role base weights. Siblings tie; preceding and following order falls
// to the position term.
var roleWeights = map[string]float64{
	RoleMain:             1000,
	RoleParent:           800,
	RolePrecedingSibling: 600,
	RoleFollowingSibling: 600,
	RoleChild:            400,
	RoleCrossDocument:    200,
}

// Element-type importance. Headers name what follows, prose carries the
// content, structural scaffolding contributes least.
var typeImportance = map[string]float64{
	documents.ElementHeader:    50,
	documents.ElementParagraph: 40,
	documents.ElementTextBlock: 35,
	documents.ElementListItem:  30,
	documents.ElementCodeBlock: 25,
	documents.ElementTable:     20,
	documents.ElementFootnote:  15,
	documents.ElementTableRow:  12,
	documents.ElementTableCell: 10,
}

const (
	defaultTypeImportance = 10

	// proximityPenalty separates tree distances: a distance-2 parent
	// always scores below a distance-1 parent of any element type.
	proximityPenalty = 60

	// positionPenalty breaks remaining ties by document distance,
	// capped so far-away elements are not pushed below a lower tier.
	positionPenalty    = 0.5
	positionPenaltyCap = 50
)

// Candidate is one context element under consideration for packing.
type Candidate struct {
	Element *documents.Element
	Role    string

	// Distance counts tree hops from the main element (1 = direct
	// parent or child). Cross-document candidates use rank order.
	Distance int
}

// score orders candidates from most to least important: role, then
// proximity in the tree, then element type, then document distance.
func (c Candidate) score(mainPosition int) float64 {
	s := roleWeights[c.Role]

	ti, ok := typeImportance[c.Element.ElementType]
	if !ok {
		ti = defaultTypeImportance
	}
	s += ti

	if c.Distance > 1 {
		s -= float64(c.Distance-1) * proximityPenalty
	}

	gap := float64(c.Element.DocumentPosition - mainPosition)
	if gap < 0 {
		gap = -gap
	}
	if gap > positionPenaltyCap {
		gap = positionPenaltyCap
	}
	s -= gap * positionPenalty

	return s
}
