package httpretry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("-----BEGIN CERTIFICATE-----"))
	}))
	defer srv.Close()

	c := New(srv.Client(), 3, WithBackoff(time.Millisecond, time.Millisecond))
	body, err := c.Get(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN CERTIFICATE-----", string(body))
	assert.EqualValues(t, 3, calls.Load())
}

func TestGet_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.Client(), 3, WithBackoff(time.Millisecond, time.Millisecond))
	_, err := c.Get(context.Background(), srv.URL, 1024)
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGet_LimitsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	body, err := New(srv.Client(), 0).Get(context.Background(), srv.URL, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(body))
}
