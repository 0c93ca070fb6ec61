// Package extractor decodes identity-card fields from raw bilingual OCR text.
package extractor

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/feichai0017/document-reconciler/internal/models"
)

var (
	// idPattern is the 11-digit national identifier. Unlabeled it is only a
	// fallback since it can also pick up phone numbers written without
	// separators.
	idPattern       = regexp.MustCompile(`\b\d{11}\b`)
	passportPattern = regexp.MustCompile(`(?i)\b[a-z]{0,2}\d{6,9}\b`)
)

// Extract decodes an ExtractedRecord from raw OCR text. It never fails: a
// field that cannot be found is left empty.
func Extract(raw string) models.ExtractedRecord {
	lines := normalizeLines(raw)
	cands := ordered(segment(lines))

	var rec models.ExtractedRecord
	rec.NationalID = firstValid(cands[fieldID], parseIdentifier)
	if rec.NationalID == "" {
		rec.NationalID = idPattern.FindString(strings.Join(lines, "\n"))
	}
	rec.PassportNumber = firstValid(cands[fieldPassport], parsePassport)
	rec.DateOfBirth = firstValid(cands[fieldDateOfBirth], NormalizeDate)
	rec.ExpiryDate = firstValid(cands[fieldExpiry], NormalizeDate)

	assignName(&rec, firstValid(cands[fieldName], parseText))
	assignNationality(&rec, firstValid(cands[fieldNationality], parseText))
	assignOccupation(&rec, firstValid(cands[fieldOccupation], parseText))
	return rec
}

// ordered groups candidates per field, English-labeled values first and
// Arabic-labeled values second, each in text order.
func ordered(cands []candidate) map[field][]string {
	out := make(map[field][]string)
	for _, arabic := range []bool{false, true} {
		for _, c := range cands {
			if c.arabic == arabic {
				out[c.field] = append(out[c.field], c.value)
			}
		}
	}
	return out
}

func firstValid(values []string, parse func(string) string) string {
	for _, v := range values {
		if out := parse(v); out != "" {
			return out
		}
	}
	return ""
}

func parseIdentifier(v string) string {
	return idPattern.FindString(v)
}

func parsePassport(v string) string {
	return strings.ToUpper(passportPattern.FindString(v))
}

// parseText keeps a value only if it carries letters. Tokens without any
// letter, such as stray digits OCR glues onto a name, are dropped; tokens
// that mix digits and letters are kept whole.
func parseText(v string) string {
	var kept []string
	for _, tok := range strings.Fields(v) {
		if hasLetter(tok) {
			kept = append(kept, tok)
		}
	}
	return cleanValue(strings.Join(kept, " "))
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// SplitName splits a full name into first name and the remaining tokens.
// A single-token name yields an empty last name.
func SplitName(name string) (first, last string) {
	tokens := strings.Fields(name)
	switch len(tokens) {
	case 0:
		return "", ""
	case 1:
		return tokens[0], ""
	}
	return tokens[0], strings.Join(tokens[1:], " ")
}

// Merge combines a remote pre-extraction with locally derived fields. Remote
// values win field by field; the name, nationality and occupation groups are
// taken whole so a merged record never mixes scripts for one field.
// Confidence is the remote value when present.
func Merge(remote *models.ExtractedRecord, local models.ExtractedRecord) models.ExtractedRecord {
	if remote == nil {
		return local
	}
	out := local
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&out.NationalID, remote.NationalID)
	pick(&out.DateOfBirth, remote.DateOfBirth)
	pick(&out.ExpiryDate, remote.ExpiryDate)
	pick(&out.PassportNumber, remote.PassportNumber)

	if remote.HasName() {
		out.Name, out.FirstName, out.LastName = remote.Name, remote.FirstName, remote.LastName
		out.NameAR, out.FirstNameAR, out.LastNameAR = remote.NameAR, remote.FirstNameAR, remote.LastNameAR
	}
	if remote.Nationality != "" || remote.NationalityAR != "" {
		out.Nationality, out.NationalityAR = remote.Nationality, remote.NationalityAR
	}
	if remote.Occupation != "" || remote.OccupationAR != "" {
		out.Occupation, out.OccupationAR = remote.Occupation, remote.OccupationAR
	}
	if remote.Confidence > 0 {
		out.Confidence = remote.Confidence
	}
	return out
}

// Classify builds a record from already separated values, as returned by a
// remote service, assigning each name-like value to its script variant.
func Classify(nationalID, name, dob, expiry, nationality, occupation, passport string) *models.ExtractedRecord {
	rec := &models.ExtractedRecord{
		NationalID:     parseIdentifier(NormalizeDigits(nationalID)),
		DateOfBirth:    NormalizeDate(dob),
		ExpiryDate:     NormalizeDate(expiry),
		PassportNumber: parsePassport(passport),
	}
	assignName(rec, parseText(name))
	assignNationality(rec, parseText(nationality))
	assignOccupation(rec, parseText(occupation))
	return rec
}

func assignName(rec *models.ExtractedRecord, name string) {
	if name == "" {
		return
	}
	first, last := SplitName(name)
	if IsArabic(name) {
		rec.NameAR, rec.FirstNameAR, rec.LastNameAR = name, first, last
		return
	}
	rec.Name, rec.FirstName, rec.LastName = name, first, last
}

func assignNationality(rec *models.ExtractedRecord, v string) {
	switch {
	case v == "":
	case IsArabic(v):
		rec.NationalityAR = v
	default:
		rec.Nationality = v
	}
}

func assignOccupation(rec *models.ExtractedRecord, v string) {
	switch {
	case v == "":
	case IsArabic(v):
		rec.OccupationAR = v
	default:
		rec.Occupation = v
	}
}
