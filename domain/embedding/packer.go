package embedding

import (
	"sort"
	"strings"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/pkg/textsplitter"
)

// ElisionMarker joins the kept head and tail of a truncated main
// element so the model sees that the middle was dropped.
const ElisionMarker = " … [content elided] … "

// minSliceTokens is the smallest truncated piece worth admitting, both
// for the main element floor and for the one-parent/one-sibling
// guarantee.
const minSliceTokens = 8

// separatorTokens charges the blank line between rendered segments.
const separatorTokens = 1

// Packer states. Each tier runs to budget or candidate exhaustion, then
// control moves on; leftovers roll into the next tier's allowance.
type packState int

const (
	collectingParents packState = iota
	collectingSiblings
	collectingChildren
	packDone
)

// Input is one element's candidate context, already grouped by tier.
// Candidate order within a tier does not matter; the packer admits by
// priority score.
type Input struct {
	Main     *documents.Element
	Parents  []Candidate
	Siblings []Candidate
	Children []Candidate
	CrossDoc []Candidate
}

// Packed is a finished context window.
type Packed struct {
	Text       string
	TokenCount int

	// Admitted counts context elements that made it in, main excluded.
	Admitted      int
	MainTruncated bool
}

type admitted struct {
	cand    Candidate
	content string
}

// Packer assembles context windows under a fixed token budget.
type Packer struct {
	budget Budget
	enc    *Encoder
}

// NewPacker creates a packer for one document's budget.
func NewPacker(budget Budget, enc *Encoder) *Packer {
	return &Packer{budget: budget, enc: enc}
}

// Pack admits the main element first, then walks the tier state machine
// in priority order. The main element is truncated head-and-tail when it
// alone exceeds its share; context tiers are never truncated except to
// honor the one-parent, one-sibling guarantee.
func (p *Packer) Pack(in Input) Packed {
	mainPos := in.Main.DocumentPosition

	mainContent := in.Main.FullText()
	mainAllow := p.budget.Element - p.enc.Overhead(RoleMain, in.Main) - separatorTokens
	if mainAllow < minSliceTokens {
		mainAllow = minSliceTokens
	}
	out := Packed{}
	if textsplitter.EstimateTokens(mainContent) > mainAllow {
		mainContent = textsplitter.TruncateHeadTail(mainContent, mainAllow, ElisionMarker)
		out.MainTruncated = true
	}

	surplus := p.budget.Element - p.cost(RoleMain, in.Main, mainContent)
	if surplus < 0 {
		surplus = 0
	}

	var parents, siblings, children []admitted
	state := collectingParents
	for state != packDone {
		switch state {
		case collectingParents:
			parents, surplus = p.packTier(in.Parents, p.budget.Parents+surplus, mainPos, true)
			state = collectingSiblings
		case collectingSiblings:
			siblings, surplus = p.packTier(in.Siblings, p.budget.Siblings+surplus, mainPos, true)
			state = collectingChildren
		case collectingChildren:
			children, surplus = p.packTier(in.Children, p.budget.Children+surplus, mainPos, false)
			state = packDone
		}
	}

	// Cross-document context rides on whatever the tiers left behind.
	crossDoc, _ := p.packTier(in.CrossDoc, surplus, mainPos, false)

	out.Text = p.render(in.Main, mainContent, parents, siblings, children, crossDoc)
	out.TokenCount = textsplitter.EstimateTokens(out.Text)
	out.Admitted = len(parents) + len(siblings) + len(children) + len(crossDoc)
	return out
}

// packTier greedily admits candidates in priority order, stopping at the
// first one that would overflow the allowance. With guarantee set, a
// tier that admitted nothing still takes its best candidate truncated
// down to the allowance, so ancestry and neighborhood are never entirely
// absent.
func (p *Packer) packTier(cands []Candidate, allowance, mainPos int, guarantee bool) ([]admitted, int) {
	if len(cands) == 0 || allowance <= 0 {
		return nil, max(allowance, 0)
	}

	ordered := make([]Candidate, len(cands))
	copy(ordered, cands)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].score(mainPos) > ordered[j].score(mainPos)
	})

	var out []admitted
	remaining := allowance
	for _, c := range ordered {
		content := c.Element.FullText()
		if content == "" {
			continue
		}
		cost := p.cost(c.Role, c.Element, content)
		if cost > remaining {
			break
		}
		out = append(out, admitted{cand: c, content: content})
		remaining -= cost
	}

	if guarantee && len(out) == 0 {
		for _, c := range ordered {
			content := c.Element.FullText()
			if content == "" {
				continue
			}
			allow := remaining - p.enc.Overhead(c.Role, c.Element) - separatorTokens
			if allow < minSliceTokens {
				break
			}
			content = textsplitter.TruncateToTokens(content, allow)
			out = append(out, admitted{cand: c, content: content})
			remaining -= p.cost(c.Role, c.Element, content)
			break
		}
	}

	return out, remaining
}

func (p *Packer) cost(role string, el *documents.Element, content string) int {
	return textsplitter.EstimateTokens(p.enc.Encode(role, el, content)) + separatorTokens
}

// render emits reading order regardless of admission order: ancestry
// from the root down, preceding siblings, the main element, following
// siblings, children, then cross-document context.
func (p *Packer) render(main *documents.Element, mainContent string, parents, siblings, children, crossDoc []admitted) string {
	sort.SliceStable(parents, func(i, j int) bool {
		return parents[i].cand.Distance > parents[j].cand.Distance
	})
	byPosition := func(s []admitted) {
		sort.SliceStable(s, func(i, j int) bool {
			return s[i].cand.Element.DocumentPosition < s[j].cand.Element.DocumentPosition
		})
	}

	var preceding, following []admitted
	for _, a := range siblings {
		if a.cand.Role == RolePrecedingSibling {
			preceding = append(preceding, a)
		} else {
			following = append(following, a)
		}
	}
	byPosition(preceding)
	byPosition(following)
	byPosition(children)

	segments := make([]string, 0, 1+len(parents)+len(siblings)+len(children)+len(crossDoc))
	add := func(list []admitted) {
		for _, a := range list {
			segments = append(segments, p.enc.Encode(a.cand.Role, a.cand.Element, a.content))
		}
	}
	add(parents)
	add(preceding)
	segments = append(segments, p.enc.Encode(RoleMain, main, mainContent))
	add(following)
	add(children)
	add(crossDoc)

	return strings.Join(segments, "\n\n")
}
