package shapesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGatewayCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/todos", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-User-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "buy milk", got["text"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(WriteResult{Txid: "77", Row: json.RawMessage(`{"id":"42"}`)})
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPGatewayOptions{BaseURL: srv.URL, UserID: "alice"})
	require.NoError(t, err)

	res, err := gw.Create(context.Background(), "todos", map[string]string{"text": "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "77", res.Txid)
	assert.JSONEq(t, `{"id":"42"}`, string(res.Row))
}

func TestHTTPGatewayUpdateNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/todos/5", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPGatewayOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.Update(context.Background(), "todos", "5", map[string]bool{"completed": true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPGatewayValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":{"text":"required"}}`))
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPGatewayOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.Create(context.Background(), "todos", map[string]string{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "required", ve.Fields["text"])
}

func TestHTTPGatewayDelete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/todos/5", r.URL.Path)
		_ = json.NewEncoder(w).Encode(WriteResult{Txid: "9"})
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPGatewayOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := gw.Delete(context.Background(), "todos", "5")
	require.NoError(t, err)
	assert.Equal(t, "9", res.Txid)
}

func TestHTTPGatewayServerErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPGatewayOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.Create(context.Background(), "todos", map[string]string{"text": "x"})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestHTTPGatewayUnreachableIsNetwork(t *testing.T) {
	gw, err := NewHTTPGateway(HTTPGatewayOptions{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = gw.Create(context.Background(), "todos", map[string]string{"text": "x"})
	assert.ErrorIs(t, err, ErrNetwork)
}
