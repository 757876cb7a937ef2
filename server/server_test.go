package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heroku/webauthn-rp/rp"
	"github.com/heroku/webauthn-rp/storage/memory"
	"github.com/heroku/webauthn-rp/webauthn"
	"github.com/heroku/webauthn-rp/webauthn/webauthntest"
)

const (
	testRPID   = "login.example.com"
	testOrigin = "https://login.example.com"
	testEmail  = "alice@example.com"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	svc, err := rp.New(&rp.Config{
		RPID:    testRPID,
		RPName:  "Example Login",
		Origin:  testOrigin,
		Storage: memory.New(),
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Service:            svc,
		Logger:             logrus.New(),
		PrometheusRegistry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	return httptest.NewServer(srv)
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_RegisterAndAuthenticate(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	var regOpts webauthn.PublicKeyCredentialCreationOptions
	code := postJSON(t, ts.URL+"/api/register/options", map[string]string{"email": testEmail}, &regOpts)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, testRPID, regOpts.RP.ID)
	assert.Equal(t, testEmail, regOpts.User.Name)
	assert.NotEmpty(t, regOpts.Challenge)

	cred, err := a.Attest(&regOpts)
	require.NoError(t, err)

	var verified verifiedResponse
	code = postJSON(t, ts.URL+"/api/register/verify", map[string]interface{}{
		"email":     testEmail,
		"challenge": regOpts.Challenge,
		"response":  cred,
	}, &verified)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, verified.Verified)

	var authOpts webauthn.PublicKeyCredentialRequestOptions
	code = postJSON(t, ts.URL+"/api/auth/options", map[string]string{"email": testEmail}, &authOpts)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, authOpts.AllowCredentials, 1)

	assertion, err := a.Assert(&authOpts)
	require.NoError(t, err)

	verified = verifiedResponse{}
	code = postJSON(t, ts.URL+"/api/auth/verify", map[string]interface{}{
		"email":     testEmail,
		"challenge": authOpts.Challenge,
		"response":  assertion,
	}, &verified)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, verified.Verified)
}

func TestServer_UnknownUserIs404(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	var errResp errorResponse
	code := postJSON(t, ts.URL+"/api/auth/options", map[string]string{"email": "nobody@example.com"}, &errResp)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "User not found", errResp.Detail)
}

func TestServer_ReplayIs400(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	var regOpts webauthn.PublicKeyCredentialCreationOptions
	code := postJSON(t, ts.URL+"/api/register/options", map[string]string{"email": testEmail}, &regOpts)
	require.Equal(t, http.StatusOK, code)

	cred, err := a.Attest(&regOpts)
	require.NoError(t, err)

	body := map[string]interface{}{
		"email":     testEmail,
		"challenge": regOpts.Challenge,
		"response":  cred,
	}
	code = postJSON(t, ts.URL+"/api/register/verify", body, nil)
	require.Equal(t, http.StatusOK, code)

	var errResp errorResponse
	code = postJSON(t, ts.URL+"/api/register/verify", body, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Detail, "Verification failed")
}

func TestServer_TamperedAssertionIs400(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	var regOpts webauthn.PublicKeyCredentialCreationOptions
	code := postJSON(t, ts.URL+"/api/register/options", map[string]string{"email": testEmail}, &regOpts)
	require.Equal(t, http.StatusOK, code)
	cred, err := a.Attest(&regOpts)
	require.NoError(t, err)
	code = postJSON(t, ts.URL+"/api/register/verify", map[string]interface{}{
		"email":     testEmail,
		"challenge": regOpts.Challenge,
		"response":  cred,
	}, nil)
	require.Equal(t, http.StatusOK, code)

	var authOpts webauthn.PublicKeyCredentialRequestOptions
	code = postJSON(t, ts.URL+"/api/auth/options", map[string]string{"email": testEmail}, &authOpts)
	require.Equal(t, http.StatusOK, code)

	assertion, err := a.Assert(&authOpts)
	require.NoError(t, err)
	assertion.Response.Signature[len(assertion.Response.Signature)-1] ^= 0x01

	var errResp errorResponse
	code = postJSON(t, ts.URL+"/api/auth/verify", map[string]interface{}{
		"email":     testEmail,
		"challenge": authOpts.Challenge,
		"response":  assertion,
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errResp.Detail, "Verification failed")
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CORSAllowsCredentialedRequests(t *testing.T) {
	svc, err := rp.New(&rp.Config{
		RPID:    testRPID,
		RPName:  "Example Login",
		Origin:  testOrigin,
		Storage: memory.New(),
	})
	require.NoError(t, err)

	srv, err := New(Config{
		Service:        svc,
		AllowedOrigins: []string{testOrigin},
		Logger:         logrus.New(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest("OPTIONS", "/api/register/options", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
