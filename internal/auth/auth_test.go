// ABOUTME: Tests for JWT verification and the bearer middleware.
// ABOUTME: Covers minting, expiry, wrong secrets, public paths and subject propagation.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("vox-gateway-test-secret-32-bytes")

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	return v
}

func TestNewJWTVerifier_RejectsShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestGenerateAndVerify(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Generate("bot-1", time.Hour)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bot-1", sub)
}

func TestGenerate_NoExpiry(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Generate("forever", 0)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "forever", sub)
}

func TestGenerate_RequiresSubject(t *testing.T) {
	_, err := newVerifier(t).Generate("", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_Expired(t *testing.T) {
	v := newVerifier(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "old",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	other, err := NewJWTVerifier([]byte("another-secret-that-is-32-bytes!"))
	require.NoError(t, err)
	token, err := other.Generate("bot", time.Hour)
	require.NoError(t, err)

	_, err = newVerifier(t).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_MissingSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: Issuer,
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = newVerifier(t).Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject: "bot",
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = newVerifier(t).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		token   string
		wantErr bool
	}{
		{"valid", "Bearer abc", "abc", false},
		{"missing", "", "", true},
		{"basic scheme", "Basic Zm9v", "", true},
		{"empty token", "Bearer  ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, msg := extractBearerToken(tt.header)
			if tt.wantErr {
				assert.NotEmpty(t, msg)
				return
			}
			assert.Empty(t, msg)
			assert.Equal(t, tt.token, token)
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(t)
	valid, err := v.Generate("dashboard", time.Hour)
	require.NoError(t, err)

	var gotSubject string
	handler := Middleware(v, nil, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name        string
		path        string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{"public path", "/health", "", http.StatusNoContent, ""},
		{"no header", "/stats", "", http.StatusUnauthorized, ""},
		{"bad token", "/stats", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid token", "/stats", "Bearer " + valid, http.StatusNoContent, "dashboard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantSubject, gotSubject)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"success":false`)
			}
		})
	}
}
