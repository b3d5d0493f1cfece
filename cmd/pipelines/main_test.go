package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-pipelines/pkg/config"
)

const testEndpoints = `
endpoints:
  - name: echo
    path: /echo
    methods:
      get: passthrough
      post:
        - validate:
            fields:
              - name: sku
                type: string
                required: true
        - respond
`

func writeEndpoints(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckCommand(t *testing.T) {
	path := writeEndpoints(t, testEndpoints)

	out, err := execute(t, "check", "--endpoints", path, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   echo GET")
	assert.Contains(t, out, "ok   echo POST")
	assert.Contains(t, out, "1 endpoint(s) valid")
}

func TestCheckCommandReportsBrokenPipelines(t *testing.T) {
	path := writeEndpoints(t, `
endpoints:
  - name: broken
    path: /broken
    methods:
      get: no-such-unit
      post: passthrough
`)

	out, err := execute(t, "check", "--endpoints", path, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, out, "FAIL broken GET")
	assert.Contains(t, out, "ok   broken POST")
}

func TestDescribeCommand(t *testing.T) {
	path := writeEndpoints(t, testEndpoints)

	out, err := execute(t, "describe", "echo", "--endpoints", path, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "name: echo")
	assert.Contains(t, out, "path: /echo")
	assert.Contains(t, out, "name: sku")

	_, err = execute(t, "describe", "missing", "--endpoints", path, "--log-level", "error")
	assert.ErrorContains(t, err, `unknown endpoint "missing"`)
}

func TestServerRoutesAndReload(t *testing.T) {
	path := writeEndpoints(t, testEndpoints)
	cfg := config.Default()
	cfg.Endpoints.File = path
	cfg.Endpoints.Watch = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := newServer(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer srv.close()

	handler, ops := srv.routes()
	require.Nil(t, ops)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo?name=ada", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"ada"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	updated, err := config.ParseEndpoints([]byte(testEndpoints+`
  - name: gone
    path: /gone
    methods:
      get: discard
`), ".")
	require.NoError(t, err)
	srv.apply(context.Background(), updated)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gone", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	broken, err := config.ParseEndpoints([]byte("endpoints:\n  - name: x\n    path: /x\n    methods:\n      get: nope\n"), ".")
	require.NoError(t, err)
	srv.apply(context.Background(), broken)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gone", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "rejected update must keep serving the previous endpoints")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `status="success"`)
	assert.Contains(t, rec.Body.String(), `status="error"`)
}

func TestServerSeparateMetricsListener(t *testing.T) {
	path := writeEndpoints(t, testEndpoints)
	cfg := config.Default()
	cfg.Endpoints.File = path
	cfg.Endpoints.Watch = false
	cfg.Server.MetricsAddress = ":0"

	srv, err := newServer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer srv.close()

	handler, ops := srv.routes()
	require.NotNil(t, ops)

	rec := httptest.NewRecorder()
	ops.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShippedEndpointsServe(t *testing.T) {
	path := filepath.Join("..", "..", "deploy", "endpoints.yaml")

	out, err := execute(t, "check", "--endpoints", path, "--log-level", "error")
	require.NoError(t, err, out)

	cfg := config.Default()
	cfg.Endpoints.File = path
	cfg.Endpoints.Watch = false
	srv, err := newServer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer srv.close()
	handler, _ := srv.routes()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant", "acme")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"sku": "abc-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"sku":"abc-1","quantity":1,"x_tenant":"acme","total":25,"in_stock":true}`, rec.Body.String())

	rec = post(`{"sku": "abc-1", "quantity": 4}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"sku":"abc-1","quantity":4,"x_tenant":"acme","total":100,"in_stock":true,"priority":true}`, rec.Body.String())

	rec = post(`{"sku": "abc-1", "quantity": 500}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(`{"sku": "a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/7", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":7,"status":"open","total":70}`, rec.Body.String())
}

func TestSimulateCommand(t *testing.T) {
	path := filepath.Join("..", "..", "deploy", "endpoints.yaml")

	out, err := execute(t, "simulate", "orders", "post", "--endpoints", path, "--log-level", "error",
		"--data", `{"sku": "abc-1", "quantity": 4}`, "--header", "X-Tenant=acme")
	require.NoError(t, err)
	assert.Contains(t, out, "status: 200")
	assert.Contains(t, out, "exited: true")
	assert.Contains(t, out, "unit: route")
	assert.Contains(t, out, "key: express")
	assert.Contains(t, out, "unit: respond")

	_, err = execute(t, "simulate", "orders", "get", "--endpoints", path, "--log-level", "error")
	assert.ErrorContains(t, err, "no pipeline for method GET")

	_, err = execute(t, "simulate", "orders", "post", "--endpoints", path, "--data", "[1]")
	assert.ErrorContains(t, err, "--data must be a JSON object")
}
