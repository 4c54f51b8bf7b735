package blossom

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Discover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/blossom", r.URL.Path)
		w.Write([]byte(`{"name":"test-server"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t))
	body, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(body), "test-server")
}

func TestClient_UploadSendsAuthorizationAndReturnsDescriptor(t *testing.T) {
	data := []byte("hello blossom")
	sum := sha256.Sum256(data)
	wantHash := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/upload", r.URL.Path)
		auth := r.Header.Get("Authorization")
		require.True(t, len(auth) > len("Nostr "))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, data, body)

		json.NewEncoder(w).Encode(Descriptor{URL: "/blob/" + wantHash, SHA256: wantHash, Size: int64(len(data))})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t))
	d, err := c.Upload(context.Background(), data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, wantHash, d.SHA256)
	assert.Equal(t, int64(len(data)), d.Size)
}

func TestClient_UploadFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t))
	_, err := c.Upload(context.Background(), []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestClient_DownloadVerifiesHash(t *testing.T) {
	data := []byte("trust but verify")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/"+hash, r.URL.Path)
		w.Write(data)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t))
	got, err := c.Download(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestClient_DownloadRejectsHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not what you asked for"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t))
	_, err := c.Download(context.Background(), fmt.Sprintf("%x", sha256.Sum256([]byte("expected"))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestClient_DeleteSendsAuthorization(t *testing.T) {
	hash := "deadbeef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/"+hash, r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t))
	require.NoError(t, c.Delete(context.Background(), hash))
}

func TestClient_ListDecodesDescriptors(t *testing.T) {
	pubkey := "abc123pubkey"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/list/"+pubkey, r.URL.Path)
		json.NewEncoder(w).Encode([]Descriptor{{SHA256: "one"}, {SHA256: "two"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t))
	out, err := c.List(context.Background(), pubkey, 0, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "one", out[0].SHA256)
}
