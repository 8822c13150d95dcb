package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink-ai/voicelink/pkg/config"
)

func TestFetchToken_Success(t *testing.T) {
	var gotBody Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{
			"token": "t1",
			"url":   "wss://media.example.com",
			"room":  "virtual_partner_abc",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	cred, err := client.FetchToken(context.Background(), Request{
		Identity:  "user_ab12cd34",
		Room:      "virtual_partner_abc",
		PersonaID: "rosalia",
		IOMode:    config.IOModeHybrid,
	})
	require.NoError(t, err)

	assert.Equal(t, "t1", cred.Token)
	assert.Equal(t, "wss://media.example.com", cred.URL)
	assert.Equal(t, "virtual_partner_abc", cred.Room)
	assert.Equal(t, "user_ab12cd34", cred.Identity)
	assert.Equal(t, "rosalia", gotBody.PersonaID)
	assert.Equal(t, config.IOModeHybrid, gotBody.IOMode)
}

func TestFetchToken_GeneratesIdentity(t *testing.T) {
	var gotBody Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"token": "t", "url": "wss://x"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	cred, err := client.FetchToken(context.Background(), Request{})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotBody.Identity, "user_"), "identity %q should be generated", gotBody.Identity)
	assert.Equal(t, gotBody.Identity, gotBody.UserID, "user_id should default to identity")
	assert.Equal(t, config.IOModeHybrid, gotBody.IOMode)
	assert.Equal(t, gotBody.Identity, cred.Identity)
}

func TestFetchToken_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.FetchToken(context.Background(), Request{})
	require.Error(t, err)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusInternalServerError, terr.StatusCode)
}

func TestFetchToken_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.FetchToken(context.Background(), Request{})

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Message, "malformed")
}

func TestFetchToken_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing token", map[string]string{"url": "wss://x"}},
		{"missing url", map[string]string{"token": "t"}},
		{"empty response", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, nil)
			_, err := client.FetchToken(context.Background(), Request{})

			var terr *Error
			require.ErrorAs(t, err, &terr)
		})
	}
}

func TestFetchToken_NoInternalRetry(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	_, err := client.FetchToken(context.Background(), Request{})
	require.Error(t, err)

	assert.Equal(t, 1, requests, "client must not retry internally")
}
