package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-reconciler/internal/matcher"
	"github.com/feichai0017/document-reconciler/internal/models"
	"github.com/feichai0017/document-reconciler/internal/ocr"
	"github.com/feichai0017/document-reconciler/internal/taskstore"
	"github.com/feichai0017/document-reconciler/pkg/logger"
)

type fakeOCR struct {
	results map[string]*ocr.Result
	errs    map[string]error
	panics  map[string]bool
	block   bool
}

func (f *fakeOCR) Recognize(ctx context.Context, img ocr.Image, progress ocr.ProgressFunc) (*ocr.Result, error) {
	progress(40)
	if f.panics[img.FileName] {
		panic("decoder exploded")
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := f.errs[img.FileName]; err != nil {
		return nil, err
	}
	return f.results[img.FileName], nil
}

type settled struct {
	status, kind string
}

type recorder struct{ got []settled }

func (r *recorder) TaskSettled(status, kind string, _ time.Duration) {
	r.got = append(r.got, settled{status, kind})
}

func payloads(missing ...string) PayloadLoader {
	return LoaderFunc(func(_ context.Context, ref string) ([]byte, error) {
		for _, m := range missing {
			if m == ref {
				return nil, errors.New("connection reset")
			}
		}
		return []byte("img:" + ref), nil
	})
}

var registry = matcher.New([]models.Customer{
	{ID: "c1", OrgID: "org", Name: "Sara Ahmed", NationalID: "29012345678"},
})

func setup(t *testing.T, files ...string) *taskstore.Store {
	t.Helper()
	store := taskstore.New(logger.NewTestLogger())
	t.Cleanup(store.Close)
	for _, f := range files {
		require.NoError(t, store.Add(models.Task{ID: f, FileName: f, PayloadRef: "intake/" + f, MimeType: "image/jpeg"}))
	}
	return store
}

func TestProcess_Matched(t *testing.T) {
	store := setup(t, "a.jpg")
	rec := &recorder{}
	engine := &fakeOCR{results: map[string]*ocr.Result{
		"a.jpg": {Text: "ID No: 29012345678  Name: SARA AHMED  D.O.B 01-02-1990", Confidence: 0.8, Backend: "tesseract-ara+eng"},
	}}

	task := New(store, payloads(), engine, registry, logger.NewTestLogger(), WithObserver(rec)).
		Process(context.Background(), "a.jpg")

	assert.Equal(t, models.StatusMatched, task.Status)
	assert.Equal(t, "29012345678", task.ExtractedIdentifier)
	require.NotNil(t, task.MatchedCustomer)
	assert.Equal(t, "c1", task.MatchedCustomer.ID)
	require.NotNil(t, task.Record)
	assert.Equal(t, "SARA AHMED", task.Record.Name)
	assert.Equal(t, "1990-02-01", task.Record.DateOfBirth)
	assert.InDelta(t, 0.8, task.Record.Confidence, 1e-9)
	assert.Equal(t, "tesseract-ara+eng", task.Backend)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, []settled{{"matched", ""}}, rec.got)
}

func TestProcess_RemoteFieldsWin(t *testing.T) {
	store := setup(t, "a.jpg")
	engine := &fakeOCR{results: map[string]*ocr.Result{
		"a.jpg": {
			Text:   "ID No: 11111111111",
			Fields: &models.ExtractedRecord{NationalID: "29012345678", Confidence: 0.99},
		},
	}}

	task := New(store, payloads(), engine, registry, logger.NewTestLogger()).Process(context.Background(), "a.jpg")
	assert.Equal(t, models.StatusMatched, task.Status)
	assert.Equal(t, "29012345678", task.ExtractedIdentifier)
}

func TestProcess_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		missing bool
		result  *ocr.Result
		err     error
		status  models.Status
		kind    models.ErrorKind
		message string
	}{
		{name: "no identifier", result: &ocr.Result{Text: "Name: SARA AHMED"},
			status: models.StatusNotFound, kind: models.KindNoIDFound, message: "no identifier found, enter manually"},
		{name: "unknown identifier", result: &ocr.Result{Text: "ID No: 29099999999"},
			status: models.StatusNotFound, kind: models.KindNotFound, message: "29099999999"},
		{name: "ocr failure", err: ocr.ErrAllTiersFailed,
			status: models.StatusError, kind: models.KindOCRFailed, message: "text recognition failed"},
		{name: "payload failure", missing: true,
			status: models.StatusError, kind: models.KindNetworkError, message: "connection reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setup(t, "f.jpg")
			engine := &fakeOCR{
				results: map[string]*ocr.Result{"f.jpg": tt.result},
				errs:    map[string]error{"f.jpg": tt.err},
			}
			var loader PayloadLoader = payloads()
			if tt.missing {
				loader = payloads("intake/f.jpg")
			}

			task := New(store, loader, engine, registry, logger.NewTestLogger()).Process(context.Background(), "f.jpg")
			assert.Equal(t, tt.status, task.Status)
			assert.Equal(t, tt.kind, task.LastErrorKind)
			assert.Contains(t, task.Error, tt.message)
		})
	}
}

func TestProcess_PanicBecomesError(t *testing.T) {
	store := setup(t, "bad.jpg", "good.jpg")
	engine := &fakeOCR{
		panics:  map[string]bool{"bad.jpg": true},
		results: map[string]*ocr.Result{"good.jpg": {Text: "ID No: 29012345678"}},
	}
	p := New(store, payloads(), engine, registry, logger.NewTestLogger())

	bad := p.Process(context.Background(), "bad.jpg")
	good := p.Process(context.Background(), "good.jpg")

	assert.Equal(t, models.StatusError, bad.Status)
	assert.Equal(t, models.KindOCRFailed, bad.LastErrorKind)
	assert.Equal(t, models.StatusMatched, good.Status)
}

func TestProcess_CancelReturnsToPending(t *testing.T) {
	store := setup(t, "a.jpg")
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	task := New(store, payloads(), &fakeOCR{block: true}, registry, logger.NewTestLogger(), WithObserver(rec)).
		Process(ctx, "a.jpg")

	assert.Equal(t, models.StatusPending, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Empty(t, rec.got)
}

func TestProcess_OnlyPendingTasks(t *testing.T) {
	store := setup(t, "a.jpg")
	engine := &fakeOCR{results: map[string]*ocr.Result{"a.jpg": {Text: "ID No: 29012345678"}}}
	p := New(store, payloads(), engine, registry, logger.NewTestLogger())

	first := p.Process(context.Background(), "a.jpg")
	require.Equal(t, models.StatusMatched, first.Status)

	again := p.Process(context.Background(), "a.jpg")
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, models.StatusMatched, again.Status)
}
