package models

// BatchProgress aggregates counters over one scheduling run.
type BatchProgress struct {
	Total        int  `json:"total"`
	Processed    int  `json:"processed"`
	Successful   int  `json:"successful"`
	Failed       int  `json:"failed"`
	InProgress   int  `json:"inProgress"`
	Pending      int  `json:"pending"`
	CurrentChunk int  `json:"currentChunk"`
	TotalChunks  int  `json:"totalChunks"`
	Paused       bool `json:"paused"`
	Stopped      bool `json:"stopped"`
}

// Percent returns overall completion in the range 0-100.
func (p BatchProgress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return p.Processed * 100 / p.Total
}

// Done reports whether every task of the run was processed.
func (p BatchProgress) Done() bool {
	return p.Total > 0 && p.Processed >= p.Total
}
