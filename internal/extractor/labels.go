package extractor

import (
	"regexp"
	"strings"
)

type field int

const (
	fieldID field = iota
	fieldName
	fieldDateOfBirth
	fieldExpiry
	fieldNationality
	fieldOccupation
	fieldPassport
	// fieldStop marks labels such as "Mother Name" that end the previous
	// value but whose own value belongs to someone else.
	fieldStop
)

// labelDef is one printed label. Within a language, longer labels come first
// so that an alternation at the same offset prefers "Full Name" over "Name".
type labelDef struct {
	field   field
	arabic  bool
	pattern string
}

var labelDefs = []labelDef{
	{fieldStop, false, `mother(?:'|’)?s?\s+name`},
	{fieldStop, false, `father(?:'|’)?s?\s+name`},
	{fieldStop, false, `(?:husband|wife|spouse)(?:'|’)?s?\s+name`},
	{fieldID, false, `national\s+id(?:\s*(?:no|number))?`},
	{fieldID, false, `civil\s+id(?:\s*(?:no|number))?`},
	{fieldID, false, `identity\s+(?:no|number)`},
	{fieldID, false, `id\s*(?:no|number)`},
	{fieldPassport, false, `passport\s*(?:no|number)`},
	{fieldName, false, `full\s+name`},
	{fieldName, false, `name`},
	{fieldDateOfBirth, false, `date\s+of\s+birth`},
	{fieldDateOfBirth, false, `birth\s+date`},
	{fieldDateOfBirth, false, `d\.?\s?o\.?\s?b`},
	{fieldExpiry, false, `date\s+of\s+expiry`},
	{fieldExpiry, false, `expiry(?:\s+date)?`},
	{fieldExpiry, false, `expires`},
	{fieldExpiry, false, `valid\s+until`},
	{fieldNationality, false, `nationality`},
	{fieldOccupation, false, `occupation`},
	{fieldOccupation, false, `profession`},

	{fieldStop, true, `اسم ال[أا]م`},
	{fieldStop, true, `اسم ال[أا]ب`},
	{fieldStop, true, `اسم الزوج(?:ة)?`},
	{fieldID, true, `الرقم الوطني`},
	{fieldID, true, `رقم الهوية`},
	{fieldID, true, `الرقم القومي`},
	{fieldPassport, true, `رقم الجواز`},
	{fieldName, true, `الاسم الكامل`},
	{fieldName, true, `الاسم`},
	{fieldDateOfBirth, true, `تاريخ الميلاد`},
	{fieldDateOfBirth, true, `تاريخ الولادة`},
	{fieldExpiry, true, `تاريخ الانتهاء`},
	{fieldExpiry, true, `صالحة حتى`},
	{fieldNationality, true, `الجنسية`},
	{fieldOccupation, true, `المهنة`},
}

// labelRe has one capture group per labelDef, in order. Latin labels are
// word-bounded; \b is ASCII-only in RE2 so Arabic labels are matched bare.
var labelRe = compileLabels(labelDefs)

func compileLabels(defs []labelDef) *regexp.Regexp {
	parts := make([]string, len(defs))
	for i, d := range defs {
		if d.arabic {
			parts[i] = "(" + d.pattern + ")"
		} else {
			parts[i] = `(\b(?:` + d.pattern + `)\b\.?)`
		}
	}
	return regexp.MustCompile(`(?i)` + strings.Join(parts, "|"))
}

// candidate is the raw value found after a label.
type candidate struct {
	field  field
	arabic bool
	value  string
}

type labelHit struct {
	def        labelDef
	start, end int
}

func findLabels(line string) []labelHit {
	matches := labelRe.FindAllStringSubmatchIndex(line, -1)
	hits := make([]labelHit, 0, len(matches))
	for _, m := range matches {
		for g := 1; g < len(m)/2; g++ {
			if m[2*g] >= 0 {
				hits = append(hits, labelHit{def: labelDefs[g-1], start: m[0], end: m[1]})
				break
			}
		}
	}
	return hits
}

// segment splits normalized text into labeled values. A label's value runs
// to the next label on the same line; an empty trailing value continues on
// the following line when that line carries no label of its own.
func segment(lines []string) []candidate {
	var out []candidate
	for i, line := range lines {
		hits := findLabels(line)
		for j, h := range hits {
			end := len(line)
			if j+1 < len(hits) {
				end = hits[j+1].start
			}
			value := cleanValue(line[h.end:end])
			if value == "" && j == len(hits)-1 && i+1 < len(lines) && len(findLabels(lines[i+1])) == 0 {
				value = cleanValue(lines[i+1])
			}
			if value == "" || h.def.field == fieldStop {
				continue
			}
			out = append(out, candidate{field: h.def.field, arabic: h.def.arabic, value: value})
		}
	}
	return out
}

const valueCutset = " :：-–=|/\\.,،"

func cleanValue(s string) string {
	return strings.Trim(strings.TrimSpace(s), valueCutset)
}
