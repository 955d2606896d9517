package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-run/coral/errdefs"
)

func hubServer(t *testing.T, status int, body string) *Hub {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewHub(WithHubBase(srv.URL))
}

func TestHubExists(t *testing.T) {
	ctx := context.Background()

	h := hubServer(t, 200, `{"name":"coral-abc","digest":"sha256:beef","full_size":123}`)
	ok, err := h.Exists(ctx, "coral/images", "coral-abc")
	require.NoError(t, err)
	assert.True(t, ok)

	h = hubServer(t, 404, `{"message":"not found"}`)
	ok, err = h.Exists(ctx, "coral/images", "coral-abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHubClassification(t *testing.T) {
	ctx := context.Background()

	h := hubServer(t, 401, `{}`)
	_, err := h.Exists(ctx, "coral/images", "t")
	var auth *errdefs.AuthError
	assert.True(t, errors.As(err, &auth))

	h = hubServer(t, 429, `{}`)
	_, err = h.Exists(ctx, "coral/images", "t")
	var quota *errdefs.QuotaError
	assert.True(t, errors.As(err, &quota))
	assert.True(t, errdefs.Retryable(err))

	h = hubServer(t, 503, `{}`)
	_, err = h.Exists(ctx, "coral/images", "t")
	var transient *errdefs.TransientError
	assert.True(t, errors.As(err, &transient))
	assert.True(t, errdefs.Retryable(err))
}

func TestHubInspect(t *testing.T) {
	ctx := context.Background()

	h := hubServer(t, 200, `{"name":"t","images":[{"digest":"sha256:cafe"}],"full_size":42}`)
	m, err := h.Inspect(ctx, "coral/images", "t")
	require.NoError(t, err)
	assert.Equal(t, "sha256:cafe", m.Digest)
	assert.Equal(t, int64(42), m.Size)

	h = hubServer(t, 404, `{}`)
	_, err = h.Inspect(ctx, "coral/images", "t")
	var nf *errdefs.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestHubRef(t *testing.T) {
	h := NewHub()
	assert.Equal(t, "docker.io/coral/images:coral-abc", h.Ref("coral/images", "coral-abc"))
}
