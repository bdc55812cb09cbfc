package routing

import "regexp"

// Queries that quote exact phrases or cite identifiers tend to be lookups
// the short path answers well; temporal and comparison language tends to
// need multi-step work. Both are counted from the raw query text.
var (
	quotePattern = regexp.MustCompile(`"[^"]{2,}"|'[^']{2,}'`)

	idPattern = regexp.MustCompile(`(?i)\b[A-Z]{2,}-\d+\b|§\s*\d+|\b(?:no|nr|id|ref)\.?\s*#?\d+\b|#\d+\b`)

	temporalPattern = regexp.MustCompile(`(?i)\b(?:before|after|since|until|between|during|earlier|later|previous|latest|recent|history|historical|over time|evolution|evolved|trend|trends|change[ds]?|compare[ds]?|comparison|contrast|versus|vs\.?|differ(?:s|ed|ence|ences)?)\b|\b(?:19|20)\d{2}\b`)
)

// CountQuoteIDs counts quoted phrases and identifier references in the query.
func CountQuoteIDs(query string) int {
	return len(quotePattern.FindAllString(query, -1)) +
		len(idPattern.FindAllString(query, -1))
}

// CountTemporalMarkers counts temporal and comparison markers in the query.
func CountTemporalMarkers(query string) int {
	return len(temporalPattern.FindAllString(query, -1))
}
