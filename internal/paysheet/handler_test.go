package paysheet_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/staffing/internal/paysheet"
)

func newRouter(f fixture) http.Handler {
	r := chi.NewRouter()
	paysheet.NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc, paymentAcct).MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerLifecycle(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 10, "950", inPeriod)
	h := newRouter(f)

	rec := do(t, h, http.MethodPost, "/paysheets/", map[string]any{
		"first_day":  "2024-05-01",
		"last_day":   "2024-05-15",
		"worker_ids": []int64{cashWorker},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created paysheet.Paysheet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	base := "/paysheets/" + strconv.FormatInt(created.ID, 10)

	rec = do(t, h, http.MethodGet, base+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Entries []paysheet.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Entries, 1)
	require.Equal(t, "900", view.Entries[0].Amount.String())

	rec = do(t, h, http.MethodGet, "/paysheets/?open=true&per_page=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items      []paysheet.Paysheet `json:"items"`
		Pagination struct {
			Total   int `json:"total"`
			PerPage int `json:"per_page"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, created.ID, list.Items[0].ID)
	require.Equal(t, 1, list.Pagination.Total)
	require.Equal(t, 5, list.Pagination.PerPage)

	rec = do(t, h, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/photos", map[string]any{"worker_id": cashWorker, "url": "https://photos/1.jpg"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, base+"/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ready":true}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, base+"/toggle-lock", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, base+"/report.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	xl, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer func() { _ = xl.Close() }()
	rows, err := xl.GetRows("Payments")
	require.NoError(t, err)
	require.Equal(t, "Ivanov", rows[2][1])
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f)

	rec := do(t, h, http.MethodGet, "/paysheets/42/", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/paysheets/abc/", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/paysheets/?customer_id=x", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/paysheets/", map[string]any{"first_day": "May 1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRegistryUpload(t *testing.T) {
	f := newFixture(t)
	f.repo.Post(labourAcct, 20, "851", inPeriod)
	p := f.create(t, freelancer)

	xl := excelize.NewFile()
	require.NoError(t, xl.SetSheetRow("Sheet1", "A1", &[]any{"worker_id", "receipt_url"}))
	require.NoError(t, xl.SetSheetRow("Sheet1", "A2", &[]any{freelancer, "https://receipt/1"}))
	require.NoError(t, xl.SetSheetRow("Sheet1", "A3", &[]any{99, "https://receipt/99"}))
	var file bytes.Buffer
	require.NoError(t, xl.Write(&file))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "registry.xlsx")
	require.NoError(t, err)
	_, err = part.Write(file.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/paysheets/"+strconv.FormatInt(p.ID, 10)+"/registry", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	newRouter(f).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"imported":1}`, rec.Body.String())

	ready, err := f.svc.ReadyToClose(t.Context(), p.ID)
	require.NoError(t, err)
	require.True(t, ready.Ready, ready.Problems)
}
