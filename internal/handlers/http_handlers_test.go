package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairdraw/internal/ledger"
	"fairdraw/internal/models"
	"fairdraw/internal/services"
	"fairdraw/internal/store"
)

const testSecret = "test-secret"

const kujiJSON = `{
	"id": "kuji-1",
	"name": "Ichiban box",
	"mode": "stream",
	"tiers": [
		{"label": "A", "display_name": "Figure", "initial_count": 1, "base_weight": "1"},
		{"label": "B", "display_name": "Towel", "initial_count": 2, "base_weight": "2"},
		{"label": "C", "display_name": "Sticker", "initial_count": 7, "base_weight": "7"}
	],
	"major_tiers": ["A"],
	"profit_rate": "0"
}`

func newTestRouter(t *testing.T, limiter *RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	service, err := services.NewLotteryService(store.NewMemoryStore(), ledger.NewMutexLocker(), services.Options{})
	require.NoError(t, err)

	h := NewHTTPHandler(service, limiter, testSecret)
	r := gin.New()
	h.RegisterPublicRoutes(r)
	h.RegisterAdminRoutes(r)
	return r
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := IssueAdminToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	return token
}

func do(r *gin.Engine, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, nil)
	w := do(r, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAuth(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(r, http.MethodPost, "/admin/products", kujiJSON, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := IssueAdminToken("other-secret", "ops", time.Hour)
	require.NoError(t, err)
	w = do(r, http.MethodPost, "/admin/products", kujiJSON, forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := IssueAdminToken(testSecret, "ops", -time.Minute)
	require.NoError(t, err)
	w = do(r, http.MethodPost, "/admin/products", kujiJSON, expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/admin/products", kujiJSON, adminToken(t))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestProductFlow(t *testing.T) {
	r := newTestRouter(t, nil)
	token := adminToken(t)

	w := do(r, http.MethodPost, "/admin/products", kujiJSON, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pub models.PublicRecord
	decode(t, w, &pub)
	assert.Len(t, pub.Commitment, 64)
	assert.Empty(t, pub.Seed)

	w = do(r, http.MethodPost, "/admin/products", kujiJSON, token)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/admin/products/kuji-1/reveal", "", token)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/products/kuji-1/purchase", `{"count": 1, "nonce_start": 9}`, "")
	require.Equal(t, http.StatusConflict, w.Code)
	var failure map[string]any
	decode(t, w, &failure)
	assert.Equal(t, "invalid_nonce", failure["error"])
	assert.Equal(t, true, failure["retryable"])
	assert.Equal(t, float64(1), failure["expected_nonce"])

	w = do(r, http.MethodPost, "/products/kuji-1/purchase", `{"account_id": "alice", "count": 10}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var bought struct {
		Records []models.DrawRecord `json:"records"`
	}
	decode(t, w, &bought)
	require.Len(t, bought.Records, 10)
	assert.True(t, bought.Records[9].IsLastOne)
	assert.Equal(t, "alice", bought.Records[0].AccountID)

	w = do(r, http.MethodPost, "/products/kuji-1/purchase", `{"count": 1}`, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/admin/products/kuji-1/reveal", "", token)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/products/kuji-1", "", "")
	decode(t, w, &pub)
	assert.Equal(t, models.StatusRevealed, pub.Status)
	assert.NotEmpty(t, pub.Seed)

	w = do(r, http.MethodPost, "/products/kuji-1/verify", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report models.VerificationReport
	decode(t, w, &report)
	assert.True(t, report.OK)
	assert.Equal(t, 10, report.Checked)

	w = do(r, http.MethodPost, "/products/kuji-1/verify", `{"seed": "00"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(r, http.MethodGet, "/products/kuji-1/records", "", "")
	var records []models.DrawRecord
	decode(t, w, &records)
	assert.Len(t, records, 10)

	w = do(r, http.MethodPost, "/admin/products/kuji-1/archive", "", token)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(r, http.MethodGet, "/products?status=archived", "", "")
	var list []models.PublicRecord
	decode(t, w, &list)
	assert.Len(t, list, 1)
}

func TestForceClose(t *testing.T) {
	r := newTestRouter(t, nil)
	token := adminToken(t)
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/admin/products", kujiJSON, token).Code)

	w := do(r, http.MethodPost, "/admin/products/kuji-1/force-close", `{"reason": ""}`, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/admin/products/kuji-1/force-close", `{"reason": "damaged stock"}`, token)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "forced", body["termination"])
	assert.NotEmpty(t, body["seed"])
}

func TestNotFound(t *testing.T) {
	r := newTestRouter(t, nil)
	w := do(r, http.MethodGet, "/products/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadProductCSV(t *testing.T) {
	r := newTestRouter(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("id", "csv-1"))
	require.NoError(t, mw.WriteField("mode", "positional"))
	require.NoError(t, mw.WriteField("majorTiers", "A, B"))
	fw, err := mw.CreateFormFile("tiersCSV", "tiers.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("label,display_name,count,weight\nA,Figure,1,1\nB,Towel,2,2\nC,Sticker,97,97\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/admin/products/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var pub models.PublicRecord
	decode(t, w, &pub)
	assert.Equal(t, models.ModePositional, pub.Mode)
	assert.Equal(t, 100, pub.TotalUnits)
	assert.Equal(t, 3, pub.PrizeCount)
	assert.Equal(t, []string{"A", "B"}, pub.MajorTiers)
}

func TestReadTiersCSV_Rejects(t *testing.T) {
	_, err := readTiersCSV(bytes.NewBufferString("A,Figure,one,1\n"))
	assert.Error(t, err)
	_, err = readTiersCSV(bytes.NewBufferString("A,Figure,1\n"))
	assert.Error(t, err)
}

func TestPurchaseRateLimit(t *testing.T) {
	r := newTestRouter(t, NewRateLimiter(1, 1))
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/admin/products", kujiJSON, adminToken(t)).Code)

	w := do(r, http.MethodPost, "/products/kuji-1/purchase", `{"count": 1}`, "")
	assert.Equal(t, http.StatusCreated, w.Code)
	w = do(r, http.MethodPost, "/products/kuji-1/purchase", `{"count": 1}`, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
