package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRelay_Deliver(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messageId":"wamid.1"}`))
	}))
	defer srv.Close()

	relay := NewHTTPRelay(srv.URL+"/", "gw-token", 0, nil)
	id, err := relay.Deliver(context.Background(), "tenant 1", "5511999990000", "hello")
	require.NoError(t, err)

	assert.Equal(t, "wamid.1", id)
	assert.Equal(t, "/sessions/tenant%201/messages", gotPath)
	assert.Equal(t, "Bearer gw-token", gotAuth)
	assert.Equal(t, sendRequest{To: "5511999990000", Text: "hello"}, gotBody)
}

func TestHTTPRelay_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	id, err := NewHTTPRelay(srv.URL, "", 0, nil).Deliver(context.Background(), "s1", "1", "x")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestHTTPRelay_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session not connected", http.StatusConflict)
	}))
	defer srv.Close()

	relay := NewHTTPRelay(srv.URL, "", 0, nil)

	_, err := relay.Deliver(context.Background(), "s1", "1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "session not connected")

	_, err = relay.Deliver(context.Background(), "", "1", "x")
	assert.ErrorIs(t, err, ErrNoSessionHandle)
}
