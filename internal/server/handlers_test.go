package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/ingest"
	"github.com/whiteforrest/equipment-valuator/internal/llm"
	"github.com/whiteforrest/equipment-valuator/internal/store"
)

type stubValuator struct {
	mu   sync.Mutex
	fail map[string]error
}

func (f *stubValuator) Valuate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[req.Record.UnitID]; ok {
		return nil, err
	}
	return &llm.Result{
		Fields: llm.ValuationFields{
			CurrentValueRange: []float64{10000, 20000},
			Confidence:        "medium",
			Justification:     "comparable listings for " + req.Record.UnitID,
		},
		Model: "stub-model",
	}, nil
}

func (f *stubValuator) Enhance(ctx context.Context, req llm.Request, prior *llm.Result) (*llm.Result, error) {
	out := *prior
	out.Fields.EnhancedAnalysis = "deeper market context for " + req.Record.UnitID
	return &out, nil
}

func testConfig() *common.Config {
	return &common.Config{
		Server: common.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxUploadBytes: 16 << 20,
		},
		Batch: common.BatchConfig{
			Workers:     2,
			MinInterval: 0,
			ItemTimeout: 2 * time.Second,
		},
	}
}

func newTestRouter(t *testing.T, valuator llm.Valuator, archive *store.Archive) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := NewService(testConfig(), ingest.NewLoader(nil), valuator, archive, nil)
	return NewRouter(testConfig(), svc)
}

func uploadCSV(t *testing.T, router *gin.Engine, csvData string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "equipment.csv")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write([]byte(csvData)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/batches", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func waitForStatus(t *testing.T, router *gin.Engine, id string, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+id, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("progress status = %d: %s", w.Code, w.Body.String())
		}
		var view map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if view["status"] == want {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch %s never reached status %q", id, want)
	return nil
}

const uploadData = "Unit #,Description,Year,Condition\n" +
	"D6-001,CAT D6 Dozer,2015,good\n" +
	"EX-002,Komatsu PC200 Excavator,2018,fair\n" +
	",Mystery machine,2010,good\n"

func TestHealth(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCreateBatchAndPollToCompletion(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)

	w := uploadCSV(t, router, uploadData, map[string]string{"web_search": "false"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		BatchID   string            `json:"batch_id"`
		Records   int               `json:"records"`
		RowErrors []ingest.RowError `json:"row_errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Records != 2 {
		t.Errorf("records = %d, want 2", created.Records)
	}
	if len(created.RowErrors) != 1 {
		t.Errorf("row errors = %v, want the missing-unit row", created.RowErrors)
	}

	view := waitForStatus(t, router, created.BatchID, StatusCompleted)
	if view["done"].(float64) != 2 {
		t.Errorf("done = %v, want 2", view["done"])
	}

	// Full report
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/batches/"+created.BatchID+"/report", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("report status = %d: %s", rw.Code, rw.Body.String())
	}
	var report struct {
		Entries []struct {
			Record struct {
				UnitID string `json:"unit_id"`
			} `json:"record"`
			Error string `json:"error"`
		} `json:"entries"`
		Succeeded int `json:"succeeded"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Entries) != 2 || report.Succeeded != 2 {
		t.Fatalf("report = %d entries, %d succeeded", len(report.Entries), report.Succeeded)
	}

	// CSV export
	ew := httptest.NewRecorder()
	router.ServeHTTP(ew, httptest.NewRequest(http.MethodGet, "/api/batches/"+created.BatchID+"/export?format=csv", nil))
	if ew.Code != http.StatusOK {
		t.Fatalf("export status = %d", ew.Code)
	}
	if cd := ew.Header().Get("Content-Disposition"); !strings.Contains(cd, ".csv") {
		t.Errorf("content disposition = %q", cd)
	}
	if lines := strings.Count(strings.TrimSpace(ew.Body.String()), "\n"); lines != 2 {
		t.Errorf("csv line breaks = %d, want header + 2 rows", lines)
	}
}

func TestReportWhileRunningConflicts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(testConfig(), ingest.NewLoader(nil), &stubValuator{}, nil, nil)
	router := NewRouter(testConfig(), svc)

	// Register a batch without letting it finish: block the valuator.
	blocked := make(chan struct{})
	slow := valuatorFunc(func(ctx context.Context, req llm.Request) (*llm.Result, error) {
		<-blocked
		return (&stubValuator{}).Valuate(ctx, req)
	})
	svc.valuator = slow
	defer close(blocked)

	w := uploadCSV(t, router, uploadData, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d", w.Code)
	}
	var created struct {
		BatchID string `json:"batch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/batches/"+created.BatchID+"/report", nil))
	if rw.Code != http.StatusConflict {
		t.Fatalf("report on running batch = %d, want 409", rw.Code)
	}
}

type valuatorFunc func(ctx context.Context, req llm.Request) (*llm.Result, error)

func (f valuatorFunc) Valuate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	return f(ctx, req)
}

func (f valuatorFunc) Enhance(ctx context.Context, req llm.Request, prior *llm.Result) (*llm.Result, error) {
	return f(ctx, req)
}

func TestBatchNotFound(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+uuid.NewString(), nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id progress = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/"+uuid.NewString()+"/report", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id report = %d, want 404", w.Code)
	}
}

func TestInvalidBatchID(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/batches/not-a-uuid", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateBatchRejectsBadUpload(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)

	// No required Unit # column.
	w := uploadCSV(t, router, "Description,Year\nCAT D6 Dozer,2015\n", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing column status = %d, want 422", w.Code)
	}

	// No file field at all.
	req := httptest.NewRequest(http.MethodPost, "/api/batches", strings.NewReader("not multipart"))
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Errorf("no file status = %d, want 400", rw.Code)
	}
}

func TestAuthFailureAbortsBatch(t *testing.T) {
	sv := &stubValuator{fail: map[string]error{
		"D6-001": common.NewAppError("AUTH", "invalid api key", common.ErrAuthentication),
		"EX-002": common.NewAppError("AUTH", "invalid api key", common.ErrAuthentication),
	}}
	router := newTestRouter(t, sv, nil)

	w := uploadCSV(t, router, uploadData, nil)
	var created struct {
		BatchID string `json:"batch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	waitForStatus(t, router, created.BatchID, StatusAborted)

	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/batches/"+created.BatchID+"/report", nil))
	var report struct {
		Aborted     bool   `json:"aborted"`
		AbortReason string `json:"abort_reason"`
		Failed      int    `json:"failed"`
	}
	_ = json.Unmarshal(rw.Body.Bytes(), &report)
	if !report.Aborted || report.Failed != 2 {
		t.Fatalf("report = %+v, want aborted with 2 failures", report)
	}
	if !strings.Contains(report.AbortReason, "invalid api key") {
		t.Errorf("abort reason = %q", report.AbortReason)
	}
}

func TestEnhanceItem(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)

	w := uploadCSV(t, router, uploadData, nil)
	var created struct {
		BatchID string `json:"batch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	waitForStatus(t, router, created.BatchID, StatusCompleted)

	ew := httptest.NewRecorder()
	router.ServeHTTP(ew, httptest.NewRequest(http.MethodPost,
		"/api/batches/"+created.BatchID+"/items/d6-001/enhance", nil))
	if ew.Code != http.StatusOK {
		t.Fatalf("enhance status = %d: %s", ew.Code, ew.Body.String())
	}
	var resp struct {
		Result struct {
			Fields struct {
				EnhancedAnalysis string `json:"enhanced_analysis"`
			} `json:"fields"`
		} `json:"result"`
	}
	if err := json.Unmarshal(ew.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode enhance response: %v", err)
	}
	if !strings.Contains(resp.Result.Fields.EnhancedAnalysis, "D6-001") {
		t.Errorf("enhanced analysis = %q", resp.Result.Fields.EnhancedAnalysis)
	}

	// Unknown unit in a known batch.
	nw := httptest.NewRecorder()
	router.ServeHTTP(nw, httptest.NewRequest(http.MethodPost,
		"/api/batches/"+created.BatchID+"/items/NOPE-999/enhance", nil))
	if nw.Code != http.StatusNotFound {
		t.Errorf("unknown unit status = %d, want 404", nw.Code)
	}
}

func TestEnhanceConcurrentWithReportReads(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)

	w := uploadCSV(t, router, uploadData, nil)
	var created struct {
		BatchID string `json:"batch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	waitForStatus(t, router, created.BatchID, StatusCompleted)

	// Hammer the report endpoint while enhance swaps entry results; under the
	// race detector this guards the snapshot/swap locking.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			rw := httptest.NewRecorder()
			router.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/batches/"+created.BatchID+"/report", nil))
			if rw.Code != http.StatusOK {
				t.Errorf("report status = %d", rw.Code)
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		ew := httptest.NewRecorder()
		router.ServeHTTP(ew, httptest.NewRequest(http.MethodPost,
			"/api/batches/"+created.BatchID+"/items/D6-001/enhance", nil))
		if ew.Code != http.StatusOK {
			t.Fatalf("enhance status = %d: %s", ew.Code, ew.Body.String())
		}
	}
	close(stop)
	wg.Wait()

	// The swapped result must be visible to subsequent report reads.
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/batches/"+created.BatchID+"/report", nil))
	var report struct {
		Entries []struct {
			Result *struct {
				Fields struct {
					EnhancedAnalysis string `json:"enhanced_analysis"`
				} `json:"fields"`
			} `json:"result"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Entries[0].Result == nil || report.Entries[0].Result.Fields.EnhancedAnalysis == "" {
		t.Fatal("enhanced result must be folded into the live report")
	}
}

func TestArchivePersistsAcrossServices(t *testing.T) {
	archive, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	router := newTestRouter(t, &stubValuator{}, archive)

	w := uploadCSV(t, router, uploadData, nil)
	var created struct {
		BatchID string `json:"batch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	waitForStatus(t, router, created.BatchID, StatusCompleted)

	// Archive writes happen after the status flip; poll the list endpoint.
	deadline := time.Now().Add(5 * time.Second)
	for {
		lw := httptest.NewRecorder()
		router.ServeHTTP(lw, httptest.NewRequest(http.MethodGet, "/api/archive", nil))
		if lw.Code != http.StatusOK {
			t.Fatalf("archive list status = %d", lw.Code)
		}
		var list struct {
			Reports []struct {
				ID string `json:"id"`
			} `json:"reports"`
		}
		_ = json.Unmarshal(lw.Body.Bytes(), &list)
		if len(list.Reports) == 1 && list.Reports[0].ID == created.BatchID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("report never reached the archive: %s", lw.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A fresh service backed by the same archive can still serve the report.
	fresh := newTestRouter(t, &stubValuator{}, archive)
	rw := httptest.NewRecorder()
	fresh.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/api/batches/"+created.BatchID+"/report", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("archived report status = %d: %s", rw.Code, rw.Body.String())
	}
}

func TestArchiveDisabled(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/archive", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("archive disabled status = %d, want 409", w.Code)
	}
}

func TestBatchLimitField(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)

	w := uploadCSV(t, router, uploadData, map[string]string{"limit": "1"})
	var created struct {
		BatchID string `json:"batch_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &created)

	view := waitForStatus(t, router, created.BatchID, StatusCompleted)
	if view["total"].(float64) != 1 {
		t.Errorf("total = %v, want 1 with limit=1", view["total"])
	}
}

func TestDashboardServed(t *testing.T) {
	router := newTestRouter(t, &stubValuator{}, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<html") {
		t.Error("dashboard must serve the embedded page")
	}
}
