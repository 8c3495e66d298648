package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"Dynaopt/internal/config"
	"Dynaopt/internal/jobs"
	"Dynaopt/internal/optimize"
	"Dynaopt/internal/repo"
	"Dynaopt/internal/solver"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestRoutes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := config.Server{TokenKey: "k", AdminLogin: "admin", AdminPasswordHash: string(hash), Defaults: optimize.DefaultConfig()}
	store := repo.NewMemoryRunDB()
	manager := jobs.NewManager(store, solver.NewExec(nil), 1, nil)
	defer manager.Shutdown()

	r := mux.NewRouter()
	HandleList(r, cfg, store, manager, zap.NewNop())
	h := CORS(r)

	do := func(method, path, body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.RemoteAddr = "192.0.2.1:1234"
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do(http.MethodOptions, "/api/user/runs", "", "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/user/runs", "", "").Code)

	rec := do(http.MethodPost, "/api/login", `{"login":"admin","password":"pw"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	cookie := rec.Result().Cookies()[0]

	req := httptest.NewRequest(http.MethodGet, "/api/user/runs", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	_, err = newLogger("loud")
	assert.Error(t, err)
}
