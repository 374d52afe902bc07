package mirror

import (
	"bytes"
	"os"
	"regexp"

	"github.com/PuerkitoBio/goquery"
)

// lastUpdatePattern matches the summary page's "Last update: DD.MM.YYYY"
// marker; updatedOnPattern additionally accepts the entry page's "updated on"
// phrasing. Up to 40 non-digit characters of markup and punctuation may sit
// between the phrase and the date.
var (
	lastUpdatePattern = regexp.MustCompile(`(?i)\blast\s+update\b[^0-9]{0,40}(\d{1,2}\.\d{1,2}\.\d{4})`)
	updatedOnPattern  = regexp.MustCompile(`(?i)\b(?:updated\s+on|last\s+update)\b[^0-9]{0,40}(\d{1,2}\.\d{1,2}\.\d{4})`)
)

// extractFromStoredHTML pulls the first matching date marker out of a stored
// HTML artifact. Extraction is best effort: a missing artifact, unparseable
// markup, or an absent marker all yield nil rather than failing the run.
func extractFromStoredHTML(path string, pattern *regexp.Regexp) *string {
	// #nosec G304 -- evidence paths are explicit caller input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return extractDate(raw, pattern)
}

func extractDate(html []byte, pattern *regexp.Regexp) *string {
	text := string(html)
	if document, err := goquery.NewDocumentFromReader(bytes.NewReader(html)); err == nil {
		text = document.Text()
	}
	match := pattern.FindStringSubmatch(text)
	if match == nil {
		return nil
	}
	date := match[len(match)-1]
	return &date
}
