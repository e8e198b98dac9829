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

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func serve(c *JWTConfig, req *http.Request) (*httptest.ResponseRecorder, Identity) {
	var seen Identity
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Identity{UserID: GetUserID(r.Context()), TenantID: GetTenantID(r.Context())}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddleware_ValidToken(t *testing.T) {
	c := NewJWTConfig("s3cret")
	token := sign(t, "s3cret", jwt.MapClaims{"sub": "agent-1", "tenant_id": 4, "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, id := serve(c, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Identity{UserID: "agent-1", TenantID: 4}, id)

	req = httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	rec, id = serve(c, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(4), id.TenantID)
}

func TestMiddleware_Rejects(t *testing.T) {
	c := NewJWTConfig("s3cret")

	tests := map[string]string{
		"missing":        "",
		"wrong secret":   "Bearer " + sign(t, "other", jwt.MapClaims{"tenant_id": 1}),
		"no tenant":      "Bearer " + sign(t, "s3cret", jwt.MapClaims{"sub": "x"}),
		"expired":        "Bearer " + sign(t, "s3cret", jwt.MapClaims{"tenant_id": 1, "exp": time.Now().Add(-time.Hour).Unix()}),
		"not bearer":     "Basic abc",
		"garbage bearer": "Bearer abc",
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec, _ := serve(c, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddleware_DevMode(t *testing.T) {
	c := NewJWTConfig("")
	assert.True(t, c.DevMode())

	rec, id := serve(c, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Identity{}, id)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "9")
	req.Header.Set("X-User-ID", "dev")
	rec, id = serve(c, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Identity{UserID: "dev", TenantID: 9}, id)
}

func TestTenantClaim(t *testing.T) {
	id, ok := tenantClaim("12")
	assert.True(t, ok)
	assert.Equal(t, int64(12), id)

	_, ok = tenantClaim(float64(0))
	assert.False(t, ok)
	_, ok = tenantClaim(1.5)
	assert.False(t, ok)
	_, ok = tenantClaim(nil)
	assert.False(t, ok)
}
