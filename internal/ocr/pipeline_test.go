package ocr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memorypublisher "github.com/pagesift/pagesift/internal/publisher/memory"
	memorystorage "github.com/pagesift/pagesift/internal/storage/memory"
	memorystore "github.com/pagesift/pagesift/internal/store/memory"

	"github.com/pagesift/pagesift/internal/clock/system"
	"github.com/pagesift/pagesift/internal/id/uuid"
	"github.com/pagesift/pagesift/internal/pipeline"
)

type fakeDownloader struct {
	data map[string][]byte
	err  error
}

func (d *fakeDownloader) Download(_ context.Context, url string) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	data, ok := d.data[url]
	if !ok {
		return nil, &pipeline.DownloadFailure{URL: url, StatusCode: 404, Err: errors.New("not found")}
	}
	return data, nil
}

type fakeRecognizer struct {
	detectResult  pipeline.TextResult
	detectErrs    []error
	detectCalls   int
	submitErr     error
	waitErr       error
	outputs       map[string][]byte
	objects       pipeline.ObjectStore
	lastInputURI  string
	lastOutputURI string
}

func (r *fakeRecognizer) DetectText(_ context.Context, _ []byte) (pipeline.TextResult, error) {
	r.detectCalls++
	if len(r.detectErrs) > 0 {
		err := r.detectErrs[0]
		r.detectErrs = r.detectErrs[1:]
		if err != nil {
			return pipeline.TextResult{}, err
		}
	}
	return r.detectResult, nil
}

func (r *fakeRecognizer) SubmitBatch(ctx context.Context, inputURI, outputURI string) (pipeline.BatchOperation, error) {
	r.lastInputURI = inputURI
	r.lastOutputURI = outputURI
	if r.submitErr != nil {
		return nil, r.submitErr
	}
	// Simulate the service writing output objects before completion.
	for key, data := range r.outputs {
		if err := r.objects.Put(ctx, key, "application/json", data); err != nil {
			return nil, err
		}
	}
	return fakeOperation{err: r.waitErr}, nil
}

type fakeOperation struct{ err error }

func (op fakeOperation) Wait(_ context.Context) error { return op.err }

type pipelineFixture struct {
	store      *memorystore.RecordStore
	objects    *memorystorage.ObjectStore
	downloader *fakeDownloader
	recognizer *fakeRecognizer
	publisher  *memorypublisher.Publisher
	pipeline   *Pipeline
	pageID     string
	assetID    string
}

func newPipelineFixture(t *testing.T, typ pipeline.AssetType, url string) *pipelineFixture {
	t.Helper()
	ctx := context.Background()

	store := memorystore.NewRecordStore(uuid.New(), system.New())
	page, err := store.CreatePage(ctx, "https://x.test/p")
	require.NoError(t, err)
	assetID, err := store.InsertAsset(ctx, page.ID, url, typ)
	require.NoError(t, err)

	objects := memorystorage.NewObjectStore()
	downloader := &fakeDownloader{data: map[string][]byte{}}
	recognizer := &fakeRecognizer{objects: objects}
	publisher := memorypublisher.New()

	p := New(
		store,
		objects,
		recognizer,
		downloader,
		publisher,
		RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Deadline: time.Second},
		Config{StagingPrefix: "pdfs", OutputPrefix: "ocr_results", BatchWait: time.Second, Topic: "assets"},
		nil,
	)
	return &pipelineFixture{
		store:      store,
		objects:    objects,
		downloader: downloader,
		recognizer: recognizer,
		publisher:  publisher,
		pipeline:   p,
		pageID:     page.ID,
		assetID:    assetID,
	}
}

func (f *pipelineFixture) assetStatus(t *testing.T) pipeline.AssetStatus {
	t.Helper()
	assets, err := f.store.ListAssetsByPage(context.Background(), f.pageID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	return assets[0].Status
}

func TestProcessImageSuccess(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/a.jpg"
	f := newPipelineFixture(t, pipeline.AssetTypeImage, url)
	f.downloader.data[url] = []byte("jpeg bytes")
	f.recognizer.detectResult = pipeline.TextResult{Text: "hello", Confidence: 0.92}

	require.NoError(t, f.pipeline.ProcessImage(context.Background(), url, f.assetID))
	require.Equal(t, pipeline.AssetStatusProcessed, f.assetStatus(t))

	results, err := f.store.ListResultsByAsset(context.Background(), f.assetID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "hello", results[0].Text)
	require.InDelta(t, 0.92, results[0].Confidence, 1e-9)

	messages := f.publisher.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "assets", messages[0].Topic)
}

func TestProcessImageDownloadFailure(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/missing.jpg"
	f := newPipelineFixture(t, pipeline.AssetTypeImage, url)

	err := f.pipeline.ProcessImage(context.Background(), url, f.assetID)
	require.Error(t, err)
	var dlErr *pipeline.DownloadFailure
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, pipeline.AssetStatusFailed, f.assetStatus(t))

	// No recognition call and no result row for a failed download.
	require.Zero(t, f.recognizer.detectCalls)
	results, listErr := f.store.ListResultsByAsset(context.Background(), f.assetID)
	require.NoError(t, listErr)
	require.Empty(t, results)
}

func TestProcessImageRetriesTransient(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/a.jpg"
	f := newPipelineFixture(t, pipeline.AssetTypeImage, url)
	f.downloader.data[url] = []byte("jpeg bytes")
	f.recognizer.detectErrs = []error{
		&pipeline.RecognitionError{Transient: true, Err: errors.New("unavailable")},
		&pipeline.RecognitionError{Transient: true, Err: errors.New("unavailable")},
	}
	f.recognizer.detectResult = pipeline.TextResult{Text: "eventually", Confidence: 0.8}

	require.NoError(t, f.pipeline.ProcessImage(context.Background(), url, f.assetID))
	require.Equal(t, 3, f.recognizer.detectCalls)
	require.Equal(t, pipeline.AssetStatusProcessed, f.assetStatus(t))
}

func TestProcessImageNonTransientFails(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/a.jpg"
	f := newPipelineFixture(t, pipeline.AssetTypeImage, url)
	f.downloader.data[url] = []byte("jpeg bytes")
	f.recognizer.detectErrs = []error{
		&pipeline.RecognitionError{Transient: false, Err: errors.New("invalid image")},
	}

	err := f.pipeline.ProcessImage(context.Background(), url, f.assetID)
	require.Error(t, err)
	require.Equal(t, 1, f.recognizer.detectCalls)
	require.Equal(t, pipeline.AssetStatusFailed, f.assetStatus(t))
}

func TestProcessDocumentSuccess(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/report.pdf"
	f := newPipelineFixture(t, pipeline.AssetTypePDF, url)
	f.downloader.data[url] = []byte("%PDF-1.7")
	outputPrefix := "ocr_results/" + f.assetID + "/"
	f.recognizer.outputs = map[string][]byte{
		outputPrefix + "output-1.json": []byte("first page text"),
		outputPrefix + "output-2.json": []byte("second page text"),
	}

	require.NoError(t, f.pipeline.ProcessDocument(context.Background(), url, f.assetID))
	require.Equal(t, pipeline.AssetStatusProcessed, f.assetStatus(t))

	require.Equal(t, "memory://pdfs/"+f.assetID+".pdf", f.recognizer.lastInputURI)
	require.Equal(t, "memory://"+outputPrefix, f.recognizer.lastOutputURI)

	results, err := f.store.ListResultsByAsset(context.Background(), f.assetID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "first page text\nsecond page text", results[0].Text)
	require.InDelta(t, 1.0, results[0].Confidence, 1e-9)

	// Staged input and outputs are removed afterwards.
	require.Zero(t, f.objects.Len())
}

func TestProcessDocumentStructuredOutput(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/report.pdf"
	f := newPipelineFixture(t, pipeline.AssetTypePDF, url)
	f.downloader.data[url] = []byte("%PDF-1.7")
	outputPrefix := "ocr_results/" + f.assetID + "/"
	f.recognizer.outputs = map[string][]byte{
		outputPrefix + "output-1.json": []byte(
			`{"responses":[{"fullTextAnnotation":{"text":"page one"}},{"fullTextAnnotation":{"text":"page two"}}]}`,
		),
	}

	require.NoError(t, f.pipeline.ProcessDocument(context.Background(), url, f.assetID))
	results, err := f.store.ListResultsByAsset(context.Background(), f.assetID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "page one\npage two", results[0].Text)
}

func TestProcessDocumentWaitFailure(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/report.pdf"
	f := newPipelineFixture(t, pipeline.AssetTypePDF, url)
	f.downloader.data[url] = []byte("%PDF-1.7")
	f.recognizer.waitErr = &pipeline.RecognitionError{Transient: false, Err: errors.New("job failed")}

	err := f.pipeline.ProcessDocument(context.Background(), url, f.assetID)
	require.Error(t, err)
	require.Equal(t, pipeline.AssetStatusFailed, f.assetStatus(t))

	results, listErr := f.store.ListResultsByAsset(context.Background(), f.assetID)
	require.NoError(t, listErr)
	require.Empty(t, results)
	// Staged document is cleaned up even on failure.
	require.Zero(t, f.objects.Len())
}

func TestProcessDocumentDownloadFailure(t *testing.T) {
	t.Parallel()

	const url = "https://x.test/missing.pdf"
	f := newPipelineFixture(t, pipeline.AssetTypePDF, url)

	err := f.pipeline.ProcessDocument(context.Background(), url, f.assetID)
	require.Error(t, err)
	require.Equal(t, pipeline.AssetStatusFailed, f.assetStatus(t))
	require.Empty(t, f.recognizer.lastInputURI)
}

func TestParseOutputFallsBackToRaw(t *testing.T) {
	t.Parallel()

	require.Equal(t, "plain text", parseOutput([]byte("plain text")))
	require.Equal(t, "{}", parseOutput([]byte("{}")))
}
