package scrape

import "strings"

// Signatures that commonly appear on bot-block or CAPTCHA interstitials.
// Matching one does not fail the scrape; it flags the result as suspicious.
var blockSignatures = []string{
	"robot check",
	"captcha",
	"access denied",
	"are you a robot",
	"verify you are human",
	"checking your browser",
	"unusual traffic",
	"enable javascript and cookies",
}

// headScanChars bounds the prefix scanned aggressively; interstitials put
// their tell near the top of the page.
const headScanChars = 500

// LooksBlocked scans scraped content for known bot-block signatures. The
// head of the document is checked first, then the full text.
func LooksBlocked(markdown string) bool {
	if markdown == "" {
		return false
	}
	lower := strings.ToLower(markdown)
	head := lower
	if len(head) > headScanChars {
		head = head[:headScanChars]
	}
	for _, sig := range blockSignatures {
		if strings.Contains(head, sig) {
			return true
		}
	}
	for _, sig := range blockSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
