package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keyserver/internal/audit"
	"keyserver/internal/auth"
	"keyserver/internal/middleware"
	"keyserver/internal/services"
	"keyserver/pkg/contracts/domain"
)

// MockKeyService is a testify mock of the service layer.
type MockKeyService struct {
	mock.Mock
}

func (m *MockKeyService) Generate(ctx context.Context, expirationDays, machineLimit int, productID, actor string) (domain.KeyRecord, error) {
	args := m.Called(ctx, expirationDays, machineLimit, productID, actor)
	return args.Get(0).(domain.KeyRecord), args.Error(1)
}

func (m *MockKeyService) ActivateOrValidate(ctx context.Context, key, machineID string) (domain.Outcome, *domain.KeyRecord, error) {
	args := m.Called(ctx, key, machineID)
	var record *domain.KeyRecord
	if args.Get(1) != nil {
		record = args.Get(1).(*domain.KeyRecord)
	}
	return args.Get(0).(domain.Outcome), record, args.Error(2)
}

func (m *MockKeyService) UpdateExpirationForProduct(ctx context.Context, productID string, additionalDays int, actor string) (int, error) {
	args := m.Called(ctx, productID, additionalDays, actor)
	return args.Int(0), args.Error(1)
}

func (m *MockKeyService) KeyInfo(ctx context.Context, key, actor string) (*domain.KeyRecord, error) {
	args := m.Called(ctx, key, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KeyRecord), args.Error(1)
}

func (m *MockKeyService) EditKey(ctx context.Context, key string, patch domain.KeyPatch, actor string) (*domain.KeyRecord, error) {
	args := m.Called(ctx, key, patch, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KeyRecord), args.Error(1)
}

func (m *MockKeyService) DeleteKey(ctx context.Context, key, actor string) error {
	args := m.Called(ctx, key, actor)
	return args.Error(0)
}

var _ services.KeyService = (*MockKeyService)(nil)

func newKeyHandler(t *testing.T, service services.KeyService) *KeyHandler {
	t.Helper()
	dir := t.TempDir()
	auditLog := audit.NewLogger(filepath.Join(dir, "request_logs.json"), nil)
	return NewKeyHandler(service, auditLog, filepath.Join(dir, "keys.json"), testLogger())
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func asAdmin(r *http.Request) *http.Request {
	ctx := middleware.WithPrincipal(r.Context(), &auth.Principal{Role: auth.RoleAdmin, Username: "admin"})
	return r.WithContext(ctx)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGenerateKey(t *testing.T) {
	svc := new(MockKeyService)
	expiry := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	svc.On("Generate", mock.Anything, 30, 2, "pro", "admin").
		Return(domain.KeyRecord{Key: "new-key", ProductID: "pro", ExpirationDate: &expiry, MachineLimit: 2}, nil)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.GenerateKey(rec, asAdmin(jsonRequest("POST", "/generate-key",
		`{"expiration_days":30,"machine_limit":2,"product_id":"pro"}`)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "new-key", body["key"])
	svc.AssertExpectations(t)
}

func TestGenerateKey_DefaultsMachineLimit(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("Generate", mock.Anything, 0, 1, "pro", "admin").
		Return(domain.KeyRecord{Key: "new-key", ProductID: "pro", MachineLimit: 1}, nil)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.GenerateKey(rec, asAdmin(jsonRequest("POST", "/generate-key", `{"product_id":"pro"}`)))

	assert.Equal(t, http.StatusCreated, rec.Code)
	svc.AssertExpectations(t)
}

func TestGenerateKey_MissingProductID(t *testing.T) {
	svc := new(MockKeyService)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.GenerateKey(rec, asAdmin(jsonRequest("POST", "/generate-key", `{"expiration_days":30}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", decodeBody(t, rec)["status"])
	svc.AssertNotCalled(t, "Generate")
}

func TestGenerateKey_MalformedBody(t *testing.T) {
	h := newKeyHandler(t, new(MockKeyService))

	rec := httptest.NewRecorder()
	h.GenerateKey(rec, asAdmin(jsonRequest("POST", "/generate-key", `{not json`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActivateOrValidate_Outcomes(t *testing.T) {
	record := &domain.KeyRecord{Key: "k1", ProductID: "pro"}

	tests := []struct {
		name       string
		outcome    domain.Outcome
		record     *domain.KeyRecord
		wantCode   int
		wantStatus string
	}{
		{name: "activated", outcome: domain.OutcomeActivated, record: record, wantCode: http.StatusOK, wantStatus: "activated"},
		{name: "valid", outcome: domain.OutcomeValid, record: record, wantCode: http.StatusOK, wantStatus: "valid"},
		{name: "expired", outcome: domain.OutcomeExpired, record: record, wantCode: http.StatusBadRequest, wantStatus: "expired"},
		{name: "limit exceeded", outcome: domain.OutcomeLimitExceeded, record: record, wantCode: http.StatusBadRequest, wantStatus: "limit_exceeded"},
		{name: "invalid", outcome: domain.OutcomeInvalid, record: nil, wantCode: http.StatusBadRequest, wantStatus: "invalid"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(MockKeyService)
			svc.On("ActivateOrValidate", mock.Anything, "k1", "m1").Return(tc.outcome, tc.record, nil)
			h := newKeyHandler(t, svc)

			rec := httptest.NewRecorder()
			h.ActivateOrValidate(rec, jsonRequest("POST", "/key", `{"key":"k1","machine_id":"m1"}`))

			assert.Equal(t, tc.wantCode, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tc.wantStatus, body["status"])
			if tc.outcome.Success() {
				assert.Equal(t, "pro", body["product_id"])
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestActivateOrValidate_MissingFields(t *testing.T) {
	h := newKeyHandler(t, new(MockKeyService))

	rec := httptest.NewRecorder()
	h.ActivateOrValidate(rec, jsonRequest("POST", "/key", `{"key":"k1"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", decodeBody(t, rec)["status"])
}

func TestUpdateExpiration(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("UpdateExpirationForProduct", mock.Anything, "pro", 15, "admin").Return(3, nil)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.UpdateExpiration(rec, asAdmin(jsonRequest("PUT", "/update-expiration",
		`{"product_id":"pro","additional_days":15}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(3), body["count"])
	assert.Contains(t, body["message"], "3 keys")
	svc.AssertExpectations(t)
}

func TestUpdateExpiration_ZeroMatchesStillSuccess(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("UpdateExpirationForProduct", mock.Anything, "ghost", 15, "admin").Return(0, nil)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.UpdateExpiration(rec, asAdmin(jsonRequest("PUT", "/update-expiration",
		`{"product_id":"ghost","additional_days":15}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
}

func TestUpdateExpiration_MissingDays(t *testing.T) {
	h := newKeyHandler(t, new(MockKeyService))

	rec := httptest.NewRecorder()
	h.UpdateExpiration(rec, asAdmin(jsonRequest("PUT", "/update-expiration", `{"product_id":"pro"}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKeyInfo(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("KeyInfo", mock.Anything, "k1", "admin").
		Return(&domain.KeyRecord{Key: "k1", ProductID: "pro", MachineLimit: 2}, nil)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.KeyInfo(rec, asAdmin(httptest.NewRequest("GET", "/key-info?key=k1", nil)))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	info := body["key_info"].(map[string]any)
	assert.Equal(t, "k1", info["key"])
	svc.AssertExpectations(t)
}

func TestKeyInfo_NotFound(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("KeyInfo", mock.Anything, "ghost", "admin").Return(nil, services.ErrKeyNotFound)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.KeyInfo(rec, asAdmin(httptest.NewRequest("GET", "/key-info?key=ghost", nil)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Key not found.", decodeBody(t, rec)["message"])
}

func TestKeyInfo_MissingParam(t *testing.T) {
	h := newKeyHandler(t, new(MockKeyService))

	rec := httptest.NewRecorder()
	h.KeyInfo(rec, asAdmin(httptest.NewRequest("GET", "/key-info", nil)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEditKey(t *testing.T) {
	newLimit := 5
	svc := new(MockKeyService)
	svc.On("EditKey", mock.Anything, "k1", domain.KeyPatch{MachineLimit: &newLimit}, "admin").
		Return(&domain.KeyRecord{Key: "k1", MachineLimit: 5}, nil)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.EditKey(rec, asAdmin(jsonRequest("PUT", "/edit-key", `{"key":"k1","machine_limit":5}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeBody(t, rec)["status"])
	svc.AssertExpectations(t)
}

func TestEditKey_NotFound(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("EditKey", mock.Anything, "ghost", mock.Anything, "admin").Return(nil, services.ErrKeyNotFound)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.EditKey(rec, asAdmin(jsonRequest("PUT", "/edit-key", `{"key":"ghost","machine_limit":5}`)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteKey(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("DeleteKey", mock.Anything, "k1", "admin").Return(nil)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.DeleteKey(rec, asAdmin(httptest.NewRequest("DELETE", "/delete-key?key=k1", nil)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeBody(t, rec)["status"])
	svc.AssertExpectations(t)
}

func TestDeleteKey_NotFound(t *testing.T) {
	svc := new(MockKeyService)
	svc.On("DeleteKey", mock.Anything, "ghost", "admin").Return(services.ErrKeyNotFound)
	h := newKeyHandler(t, svc)

	rec := httptest.NewRecorder()
	h.DeleteKey(rec, asAdmin(httptest.NewRequest("DELETE", "/delete-key?key=ghost", nil)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeysFile(t *testing.T) {
	svc := new(MockKeyService)
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "keys.json")
	require.NoError(t, os.WriteFile(keysPath, []byte(`{"valid_keys": []}`), 0o644))
	auditLog := audit.NewLogger(filepath.Join(dir, "request_logs.json"), nil)
	h := NewKeyHandler(svc, auditLog, keysPath, testLogger())

	rec := httptest.NewRecorder()
	h.KeysFile(rec, asAdmin(httptest.NewRequest("GET", "/keys", nil)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "keys.json")
	assert.Contains(t, rec.Body.String(), "valid_keys")
}

func TestKeysFile_Missing(t *testing.T) {
	h := newKeyHandler(t, new(MockKeyService))

	rec := httptest.NewRecorder()
	h.KeysFile(rec, asAdmin(httptest.NewRequest("GET", "/keys", nil)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestLogs_Missing(t *testing.T) {
	h := newKeyHandler(t, new(MockKeyService))

	rec := httptest.NewRecorder()
	h.RequestLogs(rec, asAdmin(httptest.NewRequest("GET", "/request-logs", nil)))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
