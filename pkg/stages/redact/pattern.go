package redact

import "regexp"

// recognizer detects one identifier type. All recognizers run over
// the original text; overlapping detections are resolved left to
// right by the masker, with table order breaking exact ties.
type recognizer struct {
	entity string
	regex  *regexp.Regexp
}

var recognizers = []recognizer{
	{"URL", regexp.MustCompile(`\bhttps?://[^\s<>"]+`)},
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	// US street address through city, state and ZIP,
	// e.g. "892 Maple Avenue, Springfield, IL 62704".
	{"ADDRESS", regexp.MustCompile(`\b\d{1,6}\s+[A-Z][a-zA-Z]+\s(?:[A-Z][a-zA-Z]+\s)?(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Trail|Trl|Parkway|Pkwy)\b(?:,)?\s+[A-Za-z .'-]+,\s*[A-Za-z]{2}\s+\d{5}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`)},
	{"PHONE", regexp.MustCompile(`\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)},
	{"MRN", regexp.MustCompile(`\b(?:MRN|Medical Record Number)[:# ]\s*\d{5,12}\b`)},
	// Passport numbers only with a leading context word; bare 9-digit
	// runs are too ambiguous to mask.
	{"US_PASSPORT", regexp.MustCompile(`(?i)\bpassport\s*(?:number|no\.?|#)?\s*:?\s*[A-Z]?\d{8,9}\b`)},
	// DEA registration format: two letters then seven digits.
	{"MEDICAL_LICENSE", regexp.MustCompile(`\b[A-Z]{2}\d{7}\b`)},
	{"AGE", regexp.MustCompile(`\b\d{1,3}[- ]year[- ]old\b`)},
	{"AGE", regexp.MustCompile(`(?i)\baged\s+\d{1,3}\b`)},
	{"IP", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{"DATE", regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)},
	{"DATE", regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`)},
	// Honorific-prefixed personal names, e.g. "Dr. Sarah Chen".
	{"PERSON", regexp.MustCompile(`\b(?:Dr|Mr|Mrs|Ms|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)},
}
