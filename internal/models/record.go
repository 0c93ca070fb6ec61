package models

// ExtractedRecord holds the fields decoded from one card's text. Every field is
// optional; Latin and Arabic variants are kept apart.
type ExtractedRecord struct {
	NationalID     string  `json:"nationalId,omitempty"`
	Name           string  `json:"name,omitempty"`
	FirstName      string  `json:"firstName,omitempty"`
	LastName       string  `json:"lastName,omitempty"`
	NameAR         string  `json:"nameAr,omitempty"`
	FirstNameAR    string  `json:"firstNameAr,omitempty"`
	LastNameAR     string  `json:"lastNameAr,omitempty"`
	DateOfBirth    string  `json:"dateOfBirth,omitempty"`
	ExpiryDate     string  `json:"expiryDate,omitempty"`
	Nationality    string  `json:"nationality,omitempty"`
	NationalityAR  string  `json:"nationalityAr,omitempty"`
	Occupation     string  `json:"occupation,omitempty"`
	OccupationAR   string  `json:"occupationAr,omitempty"`
	PassportNumber string  `json:"passportNumber,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// HasIdentifier reports whether a national identifier was found.
func (r *ExtractedRecord) HasIdentifier() bool {
	return r != nil && r.NationalID != ""
}

// HasName reports whether either name variant is set.
func (r *ExtractedRecord) HasName() bool {
	return r != nil && (r.Name != "" || r.NameAR != "")
}

// IsEmpty reports whether no field was decoded. Confidence is ignored.
func (r *ExtractedRecord) IsEmpty() bool {
	if r == nil {
		return true
	}
	c := *r
	c.Confidence = 0
	return c == ExtractedRecord{}
}
