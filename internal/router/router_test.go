package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelproxy/kestrel/internal/config"
)

func TestResolveExactHostWinsOverWildcard(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "*.example.com", Location: "/", Upstream: "wildcard-pool"},
		{Host: "api.example.com", Location: "/", Upstream: "api-pool"},
	})

	m, err := r.Resolve("api.example.com", "/users")
	assert.NoError(t, err)
	assert.Equal(t, "api-pool", m.Upstream)
}

func TestResolveWildcardMatchesSubdomains(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "*.example.com", Location: "/", Upstream: "wildcard-pool"},
	})

	m, err := r.Resolve("cdn.example.com", "/img.png")
	assert.NoError(t, err)
	assert.Equal(t, "wildcard-pool", m.Upstream)
}

func TestResolveWildcardDoesNotMatchBareDomain(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "*.example.com", Location: "/", Upstream: "wildcard-pool"},
	})

	_, err := r.Resolve("example.com", "/")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveFallsBackToDefaultServer(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "", Location: "/", Upstream: "catch-all"},
		{Host: "known.example.com", Location: "/", Upstream: "known-pool"},
	})

	m, err := r.Resolve("unknown.example.com", "/anything")
	assert.NoError(t, err)
	assert.Equal(t, "catch-all", m.Upstream)
}

func TestResolveLongestPrefixWins(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "example.com", Location: "/", Upstream: "root-pool"},
		{Host: "example.com", Location: "/api", Upstream: "api-pool"},
		{Host: "example.com", Location: "/api/v2", Upstream: "api-v2-pool"},
	})

	m, err := r.Resolve("example.com", "/api/v2/users")
	assert.NoError(t, err)
	assert.Equal(t, "api-v2-pool", m.Upstream)

	m, err = r.Resolve("example.com", "/api/v1/users")
	assert.NoError(t, err)
	assert.Equal(t, "api-pool", m.Upstream)

	m, err = r.Resolve("example.com", "/anything")
	assert.NoError(t, err)
	assert.Equal(t, "root-pool", m.Upstream)
}

func TestResolveExactLocationWinsOverLongerPrefix(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "example.com", Location: "/api", Upstream: "prefix-pool"},
		{Host: "example.com", Location: "/api/health", ExactOnly: true, Upstream: "exact-pool"},
	})

	m, err := r.Resolve("example.com", "/api/health")
	assert.NoError(t, err)
	assert.Equal(t, "exact-pool", m.Upstream)

	m, err = r.Resolve("example.com", "/api/health/check")
	assert.NoError(t, err)
	assert.Equal(t, "prefix-pool", m.Upstream)
}

func TestResolveHostHeaderPortStripped(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "example.com", Location: "/", Upstream: "pool"},
	})

	m, err := r.Resolve("example.com:8080", "/")
	assert.NoError(t, err)
	assert.Equal(t, "pool", m.Upstream)
}

func TestResolveNoMatchErrors(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "example.com", Location: "/", Upstream: "pool"},
	})

	_, err := r.Resolve("other.com", "/")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveStaticDirRoute(t *testing.T) {
	r := New()
	r.Load([]config.RouteConfig{
		{Host: "static.example.com", Location: "/assets", StaticDir: "/var/www/assets"},
	})

	m, err := r.Resolve("static.example.com", "/assets/logo.png")
	assert.NoError(t, err)
	assert.Equal(t, "/var/www/assets", m.StaticDir)
	assert.Empty(t, m.Upstream)
}
