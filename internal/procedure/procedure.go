// Package procedure normalizes heterogeneous procedure and
// lesson-learned briefs into one shape and aggregates them into the
// applied/not-parseable partition with provenance-keyed derived
// controls.
package procedure

import (
	"strings"

	"atsforge/internal/domain"
)

// Aggregate is the stable result of folding a brief list.
type Aggregate struct {
	Applied         []string
	NotParseable    []string
	DerivedControls []domain.DerivedControl
}

// Normalize coerces a partial brief into the full shape. Unknown
// fields default to empty, never to an error; origin defaults to
// procedure. Lesson-learned briefs pass through the identical path.
func Normalize(raw domain.ProcedureBrief) domain.ProcedureBrief {
	b := raw
	b.Title = strings.TrimSpace(b.Title)
	b.Code = strings.TrimSpace(b.Code)
	if b.Origin != domain.OriginLessonLearned {
		b.Origin = domain.OriginProcedure
	}
	b.Brief.MandatoryPermits = cleaned(b.Brief.MandatoryPermits)
	b.Brief.StopWorkClauses = cleaned(b.Brief.StopWorkClauses)
	b.Brief.MandatorySteps = cleaned(b.Brief.MandatorySteps)
	b.Brief.Restrictions = cleaned(b.Brief.Restrictions)
	b.Brief.CriticalControls = domain.Controls{
		Engineering:    cleaned(b.Brief.CriticalControls.Engineering),
		Administrative: cleaned(b.Brief.CriticalControls.Administrative),
		PPE:            cleaned(b.Brief.CriticalControls.PPE),
	}
	return b
}

// NormalizeAll normalizes a list, preserving input order. Order
// matters: the aggregation partition must be deterministic end to end.
func NormalizeAll(raw []domain.ProcedureBrief) []domain.ProcedureBrief {
	out := make([]domain.ProcedureBrief, 0, len(raw))
	for _, b := range raw {
		out = append(out, Normalize(b))
	}
	return out
}

// Fold partitions briefs into applied vs not-parseable and collects
// derived controls. A brief is applied unless Parseable is explicitly
// false. Dedup key is (level, text, source): identical text from the
// same source collapses to one entry; the same text from two sources
// stays two entries, each keeping its provenance.
func Fold(briefs []domain.ProcedureBrief) Aggregate {
	agg := Aggregate{
		Applied:         []string{},
		NotParseable:    []string{},
		DerivedControls: []domain.DerivedControl{},
	}
	seen := map[string]bool{}

	add := func(level, text, source string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		key := level + "\x00" + text + "\x00" + source
		if seen[key] {
			return
		}
		seen[key] = true
		agg.DerivedControls = append(agg.DerivedControls, domain.DerivedControl{
			Level:  level,
			Text:   text,
			Source: source,
		})
	}

	for _, b := range briefs {
		name := b.Source()
		if name == "" {
			name = "unnamed reference"
		}
		if b.Parseable != nil && !*b.Parseable {
			agg.NotParseable = append(agg.NotParseable, name)
			continue
		}
		agg.Applied = append(agg.Applied, name)
		for _, text := range b.Brief.CriticalControls.Engineering {
			add("engineering", text, b.Source())
		}
		for _, text := range b.Brief.CriticalControls.Administrative {
			add("administrative", text, b.Source())
		}
		for _, text := range b.Brief.CriticalControls.PPE {
			add("ppe", text, b.Source())
		}
	}
	return agg
}

// Influence converts an aggregate into the document's
// procedure-influence section.
func (a Aggregate) Influence() domain.ProcedureInfluence {
	return domain.ProcedureInfluence{
		Applied:         a.Applied,
		NotParseable:    a.NotParseable,
		DerivedControls: a.DerivedControls,
	}
}

// HasLessonLearned reports whether any brief in the list carries the
// lesson-learned origin. Used by the incidents precondition.
func HasLessonLearned(briefs []domain.ProcedureBrief) bool {
	for _, b := range briefs {
		if b.Origin == domain.OriginLessonLearned {
			return true
		}
	}
	return false
}

func cleaned(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
