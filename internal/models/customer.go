package models

import (
	"time"
)

// Customer 客户记录
type Customer struct {
	ID             string `json:"id" gorm:"primaryKey;size:64"`
	OrgID          string `json:"orgId" gorm:"column:org_id;size:64;index"`
	Name           string `json:"name" gorm:"column:name"`
	FirstName      string `json:"firstName" gorm:"column:first_name"`
	LastName       string `json:"lastName" gorm:"column:last_name"`
	Phone          string `json:"phone" gorm:"column:phone"`
	NationalID     string `json:"nationalId" gorm:"column:national_id;index"`
	NameAR         string `json:"nameAr,omitempty" gorm:"column:name_ar"`
	FirstNameAR    string `json:"firstNameAr,omitempty" gorm:"column:first_name_ar"`
	LastNameAR     string `json:"lastNameAr,omitempty" gorm:"column:last_name_ar"`
	DateOfBirth    string `json:"dateOfBirth,omitempty" gorm:"column:date_of_birth"`
	IDExpiryDate   string `json:"idExpiryDate,omitempty" gorm:"column:id_expiry_date"`
	Nationality    string `json:"nationality,omitempty" gorm:"column:nationality"`
	NationalityAR  string `json:"nationalityAr,omitempty" gorm:"column:nationality_ar"`
	Occupation     string `json:"occupation,omitempty" gorm:"column:occupation"`
	OccupationAR   string `json:"occupationAr,omitempty" gorm:"column:occupation_ar"`
	PassportNumber string `json:"passportNumber,omitempty" gorm:"column:passport_number"`
}

// TableName 表名
func (Customer) TableName() string {
	return "customers"
}

// Ref returns the reference stored on a matched task.
func (c Customer) Ref() *CustomerRef {
	return &CustomerRef{
		ID:         c.ID,
		OrgID:      c.OrgID,
		Name:       c.Name,
		NationalID: c.NationalID,
	}
}

// DocumentTypeNationalID is the document type recorded for committed cards.
const DocumentTypeNationalID = "national_id"

// CustomerDocument links an uploaded artifact to a customer.
type CustomerDocument struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	CustomerID   string    `json:"customerId" gorm:"column:customer_id;size:64;index"`
	OrgID        string    `json:"orgId" gorm:"column:org_id;size:64"`
	DocumentType string    `json:"documentType" gorm:"column:document_type;size:32"`
	Name         string    `json:"name" gorm:"column:name"`
	Path         string    `json:"path" gorm:"column:path"`
	MimeType     string    `json:"mimeType" gorm:"column:mime_type;size:128"`
	Size         int64     `json:"size" gorm:"column:size"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TableName 表名
func (CustomerDocument) TableName() string {
	return "customer_documents"
}
