// Package reference implements the closed-vocabulary Hebrew reference
// resolution scanner: recognizing ordinals ("השלישית"), demonstratives
// ("זה", "אותה"), and back-references ("הקודם") against the conversation's
// Last Result Set, plus the entity-frame key taxonomy and per-intent
// required-slot table.
//
// Grounded on
// original_source/bot_chain/MAIN_CTX_ROUTER_BOT_2X/reference_config.py:
// ReferenceConfig's Hebrew regex patterns for decision_number/
// government_number/date_range, HEBREW_ENTITY_LABELS, and
// REQUIRED_SLOTS_BY_INTENT, translated to Go's RE2 syntax and a typed
// FrameKey enum in place of the original's bare string dict keys.
package reference

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/TomerGutman1/ceci-bot-chain-sub001/core"
)

// FrameKey enumerates the entity-frame slot kinds the planner and
// reference resolver reason about. A closed type instead of a bare
// map[string]any key, per the original's implicit but fixed key set.
type FrameKey string

const (
	FrameKeyDecisionNumber  FrameKey = "decision_number"
	FrameKeyGovernmentNumber FrameKey = "government_number"
	FrameKeyDateRange       FrameKey = "date_range"
	FrameKeyTopic           FrameKey = "topic"
	FrameKeyMinistrySet     FrameKey = "ministry_set"
	FrameKeyResultLimit     FrameKey = "result_limit"
	FrameKeyPolarity        FrameKey = "polarity"

	// Reference-only kinds: describe a position in conversation history,
	// not a reusable fact. Excluded from the cache key (cache.Key) and
	// never persisted into the stored entity frame verbatim — they are
	// resolved into FrameKeyDecisionNumber before being merged.
	FrameKeyReferenceOrdinal      FrameKey = "reference_ordinal"
	FrameKeyReferenceDemonstrative FrameKey = "reference_demonstrative"
	FrameKeyReferenceBackref      FrameKey = "reference_backref"
)

// HebrewSlotLabel is the label CLARIFY uses when asking the user to supply
// a missing slot, reproduced from HEBREW_ENTITY_LABELS.
var HebrewSlotLabel = map[FrameKey]string{
	FrameKeyDecisionNumber:   "מספר החלטה",
	FrameKeyGovernmentNumber: "מספר ממשלה",
	FrameKeyDateRange:        "טווח תאריכים",
	FrameKeyTopic:            "נושא",
	FrameKeyMinistrySet:      "משרד ממשלתי",
}

// RequiredSlots is the REQUIRED_SLOTS_BY_INTENT table. COMPARISON isn't a
// FrameKey requirement (it needs ≥2 distinguishable subjects, checked
// separately via RequiresMultipleSubjects) so it's absent from this map.
var RequiredSlots = map[string][]FrameKey{
	core.IntentDataQuery:   {},
	core.IntentStatistical: {},
	core.IntentAnalysis:    {FrameKeyDecisionNumber},
	core.IntentEval:        {FrameKeyDecisionNumber},
	core.IntentResultRef:   {FrameKeyDecisionNumber},
}

// RequiresMultipleSubjects reports whether intent needs ≥2 distinguishable
// subjects in the entity frame (COMPARISON) rather than a fixed slot set.
func RequiresMultipleSubjects(intent string) bool {
	return intent == core.IntentComparison
}

var (
	decisionNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:החלטה|החלטת)\s*(?:מספר\s*)?(\d+)`),
		regexp.MustCompile(`(?i)החלטה\s+(\d+)`),
	}
	governmentNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ממשלה\s*(?:מספר\s*)?(\d+)`),
		regexp.MustCompile(`(?i)של\s*ממשלה\s*(\d+)`),
		regexp.MustCompile(`(?i)ממשלת\s*(\d+)`),
		regexp.MustCompile(`(?i)(?:עבור|בממשלה)\s*(\d+)`),
	}
	dateRangePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)בין\s*(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})\s*[-–—]\s*(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`),
		regexp.MustCompile(`(?i)מ[־\-]?(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})\s*עד\s*(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`),
		regexp.MustCompile(`(?i)(?:מתאריך|מיום)\s*(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})\s*(?:עד|ל)\s*(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`),
	}
)

// ordinalWords maps the closed set of Hebrew ordinal tokens to a 1-based
// position in the Last Result Set. "last" is represented as position -1,
// resolved against the set's length at lookup time.
var ordinalWords = map[string]int{
	"ראשון": 1, "ראשונה": 1, "הראשון": 1, "הראשונה": 1,
	"שני": 2, "שנייה": 2, "השני": 2, "השנייה": 2,
	"שלישי": 3, "שלישית": 3, "השלישי": 3, "השלישית": 3,
	"רביעי": 4, "רביעית": 4, "הרביעי": 4, "הרביעית": 4,
	"חמישי": 5, "חמישית": 5, "החמישי": 5, "החמישית": 5,
	"אחרון": -1, "אחרונה": -1, "האחרון": -1, "האחרונה": -1,
}

// demonstrativeWords are the closed set of Hebrew demonstrative pronouns
// that bind to "the most recent artifact" when exactly one exists.
var demonstrativeWords = []string{"זה", "זאת", "זו", "אותו", "אותה", "ההוא", "ההיא"}

// backrefPhrases are explicit back-reference phrases binding to the head
// of the Last Result Set.
var backrefPhrases = []string{"הקודם", "הקודמת", "ההחלטה הקודמת", "מה שהראית לי", "שהראית לי קודם"}

// Matches is everything the scanner found in one utterance.
type Matches struct {
	Ordinals          []OrdinalMatch
	Demonstratives     []string
	Backrefs           []string
	DecisionNumbers    []string
	GovernmentNumbers  []string
	DateRanges         [][2]string
}

// OrdinalMatch is one recognized ordinal token and the Last Result Set
// position it denotes (1-based, or -1 for "last").
type OrdinalMatch struct {
	Word     string
	Position int
}

// HasReferenceTokens reports whether text contains any ordinal,
// demonstrative, or back-reference token — used by the cacheability
// predicate and by the planner's RESOLVE-REF branch condition.
func (m Matches) HasReferenceTokens() bool {
	return len(m.Ordinals) > 0 || len(m.Demonstratives) > 0 || len(m.Backrefs) > 0
}

// Scan runs the closed-vocabulary scanner over clean (already rewritten)
// text.
func Scan(text string) Matches {
	var m Matches

	for word, pos := range ordinalWords {
		if containsWord(text, word) {
			m.Ordinals = append(m.Ordinals, OrdinalMatch{Word: word, Position: pos})
		}
	}
	for _, word := range demonstrativeWords {
		if containsWord(text, word) {
			m.Demonstratives = append(m.Demonstratives, word)
		}
	}
	for _, phrase := range backrefPhrases {
		if containsWord(text, phrase) {
			m.Backrefs = append(m.Backrefs, phrase)
		}
	}

	for _, re := range decisionNumberPatterns {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			if len(match) > 1 {
				m.DecisionNumbers = append(m.DecisionNumbers, match[1])
			}
		}
	}
	for _, re := range governmentNumberPatterns {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			if len(match) > 1 {
				m.GovernmentNumbers = append(m.GovernmentNumbers, match[1])
			}
		}
	}
	for _, re := range dateRangePatterns {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			if len(match) > 2 {
				m.DateRanges = append(m.DateRanges, [2]string{match[1], match[2]})
			}
		}
	}

	return m
}

// containsWord reports whether word (one token or a space-separated phrase)
// occurs in text as whole tokens, so "השלישי" does not match inside
// "השלישית". Whitespace and punctuation separate tokens.
func containsWord(text, word string) bool {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return strings.Contains(" "+strings.Join(tokens, " ")+" ", " "+word+" ")
}
