package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idp(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/user", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Write([]byte(`{"id":"u-1","email":"ada@example.com","user_metadata":{"name":"Ada","avatar_url":"https://img/ada"}}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerify(t *testing.T) {
	c := NewClient(idp(t).URL+"/", "anon")

	id, err := c.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, &Identity{ID: "u-1", Email: "ada@example.com", FullName: "Ada", AvatarURL: "https://img/ada"}, id)

	_, err = c.Verify(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.Verify(context.Background(), "broken")
	assert.ErrorContains(t, err, "502 upstream down")
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer ":      "",
		"":             "",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		assert.Equal(t, want, BearerToken(r), "header %q", header)
	}
}
