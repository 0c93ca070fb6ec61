package models

import (
	"time"
)

// Status 任务状态
type Status string

const (
	StatusPending  Status = "pending"
	StatusScanning Status = "scanning"
	StatusMatched  Status = "matched"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
	StatusUploaded Status = "uploaded"
)

// IsFailed reports whether the status counts as a failure in batch progress.
func (s Status) IsFailed() bool {
	return s == StatusNotFound || s == StatusError
}

// IsSettled reports whether a scan of the task has finished.
func (s Status) IsSettled() bool {
	switch s {
	case StatusMatched, StatusNotFound, StatusError, StatusUploaded:
		return true
	}
	return false
}

// ErrorKind 错误分类
type ErrorKind string

const (
	KindOCRFailed    ErrorKind = "ocr_failed"
	KindNoIDFound    ErrorKind = "no_id_found"
	KindNotFound     ErrorKind = "not_found"
	KindUploadFailed ErrorKind = "upload_failed"
	KindUpdateFailed ErrorKind = "update_failed"
	KindNetworkError ErrorKind = "network_error"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusScanning},
	StatusScanning: {StatusMatched, StatusNotFound, StatusError, StatusPending},
	StatusMatched:  {StatusUploaded, StatusError},
	StatusNotFound: {StatusPending, StatusMatched},
	StatusError:    {StatusPending, StatusMatched},
}

// CanTransition reports whether a task may move from one status to another.
// Manual resets are handled separately by the task store.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CustomerRef links a task to the registry entry it matched.
type CustomerRef struct {
	ID         string `json:"id"`
	OrgID      string `json:"orgId"`
	Name       string `json:"name"`
	NationalID string `json:"nationalId"`
}

// Task is one intaken image and its processing state.
type Task struct {
	ID                  string           `json:"id"`
	FileName            string           `json:"fileName"`
	PayloadRef          string           `json:"payloadRef"`
	Preview             string           `json:"preview,omitempty"`
	MimeType            string           `json:"mimeType"`
	Size                int64            `json:"size"`
	Status              Status           `json:"status"`
	ExtractedIdentifier string           `json:"extractedIdentifier,omitempty"`
	Record              *ExtractedRecord `json:"record,omitempty"`
	RawSnippet          string           `json:"rawSnippet,omitempty"`
	Backend             string           `json:"backend,omitempty"`
	Error               string           `json:"error,omitempty"`
	LastErrorKind       ErrorKind        `json:"lastErrorKind,omitempty"`
	RetryCount          int              `json:"retryCount"`
	MatchedCustomer     *CustomerRef     `json:"matchedCustomer,omitempty"`
	RecordMerged        bool             `json:"recordMerged"`
	Progress            int              `json:"progress"`
	ArtifactPath        string           `json:"artifactPath,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share pointers with the store.
func (t Task) Clone() Task {
	if t.Record != nil {
		r := *t.Record
		t.Record = &r
	}
	if t.MatchedCustomer != nil {
		c := *t.MatchedCustomer
		t.MatchedCustomer = &c
	}
	return t
}
