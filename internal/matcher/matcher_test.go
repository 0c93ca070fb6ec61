package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/feichai0017/document-reconciler/internal/models"
)

func TestIndex_Match(t *testing.T) {
	idx := New([]models.Customer{
		{ID: "c1", NationalID: "29012345678"},
		{ID: "c2", NationalID: " 290-1234-5679 "},
		{ID: "c3", NationalID: ""},
		{ID: "c4", NationalID: "29012345678"},
	})
	assert.Equal(t, 2, idx.Len())

	tests := []struct {
		identifier string
		wantID     string
	}{
		{"29012345678", "c1"},
		{"٢٩٠١٢٣٤٥٦٧٨", "c1"},
		{"29012345679", "c2"},
		{"2901 2345 679", "c2"},
		{"11111111111", ""},
		{"", ""},
	}
	for _, tt := range tests {
		c, ok := idx.Match(tt.identifier)
		if tt.wantID == "" {
			assert.False(t, ok, tt.identifier)
			continue
		}
		assert.True(t, ok, tt.identifier)
		assert.Equal(t, tt.wantID, c.ID)
	}
}

func TestIndex_Nil(t *testing.T) {
	var idx *Index
	_, ok := idx.Match("29012345678")
	assert.False(t, ok)
	assert.Zero(t, idx.Len())
}
