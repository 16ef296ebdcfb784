package reference

// LastResult is the minimal shape resolution needs from
// convstore.ResultSet, kept decoupled so this package doesn't import
// convstore.
type LastResult struct {
	IDs []string
}

// Resolution is the outcome of resolving a scan against the Last Result
// Set.
type Resolution struct {
	DecisionNumber string
	Ambiguous      bool
}

// Resolve binds the scanner's matches against lastResult per §4.5 step 4:
// ordinals look up a position, demonstratives bind to the sole recent
// artifact (ambiguous if more than one exists — callers must already know
// there's "more than one" only when the frame itself doesn't disambiguate;
// here ambiguity means lastResult couldn't supply a unique candidate),
// back-references bind to the head. When multiple ordinals match in one
// utterance, the smallest positive position wins, and "last" is used only
// if it is the only ordinal that matched. Where the ordinals appear in the
// utterance plays no part: Scan does not record their text order.
func Resolve(m Matches, lastResult LastResult) Resolution {
	if len(lastResult.IDs) == 0 {
		if m.HasReferenceTokens() {
			return Resolution{Ambiguous: true}
		}
		return Resolution{}
	}

	if len(m.Ordinals) > 0 {
		pos := narrowestOrdinal(m.Ordinals)
		idx := pos - 1
		if pos == -1 {
			idx = len(lastResult.IDs) - 1
		}
		if idx < 0 || idx >= len(lastResult.IDs) {
			return Resolution{Ambiguous: true}
		}
		return Resolution{DecisionNumber: lastResult.IDs[idx]}
	}

	if len(m.Backrefs) > 0 {
		return Resolution{DecisionNumber: lastResult.IDs[0]}
	}

	if len(m.Demonstratives) > 0 {
		if len(lastResult.IDs) != 1 {
			return Resolution{Ambiguous: true}
		}
		return Resolution{DecisionNumber: lastResult.IDs[0]}
	}

	return Resolution{}
}

// narrowestOrdinal prefers the smallest positive position (closer to "the
// very first one mentioned recently" reads as a narrower selection than a
// vague "last"); if only "last" (-1) matched, that wins by elimination.
func narrowestOrdinal(ordinals []OrdinalMatch) int {
	best := 0
	for _, o := range ordinals {
		if o.Position == -1 {
			if best == 0 {
				best = -1
			}
			continue
		}
		if best <= 0 || o.Position < best {
			best = o.Position
		}
	}
	return best
}
