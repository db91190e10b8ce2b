package target

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		kind      Kind
		canonical string
	}{
		{"url with port", "http://example.com:8080", KindURL, "http://example.com:8080"},
		{"url without port", "https://example.com", KindURL, "https://example.com"},
		{"url with path", "http://10.0.0.1:81/status", KindURL, "http://10.0.0.1:81/status"},
		{"ipv4 socket address", "127.0.0.1:9000", KindSocketAddr, "127.0.0.1:9000"},
		{"ipv6 socket address", "[::1]:9000", KindSocketAddr, "[::1]:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, tgt.Kind())
			assert.Equal(t, tt.canonical, tgt.String())
			assert.False(t, tgt.IsZero())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"not a target", "", "localhost", "127.0.0.1", "300.1.1.1:80", "/just/a/path"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTarget))

			var invalid *InvalidTargetError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, input, invalid.Input)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("socket address resolves to itself", func(t *testing.T) {
		ap, ok := MustParse("127.0.0.1:9000").Resolve()
		require.True(t, ok)
		assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:9000"), ap)
	})

	t.Run("url with explicit port", func(t *testing.T) {
		ap, ok := MustParse("http://127.0.0.1:8080").Resolve()
		require.True(t, ok)
		assert.Equal(t, uint16(8080), ap.Port())
		assert.Equal(t, "127.0.0.1", ap.Addr().String())
	})

	t.Run("url falls back to scheme default port", func(t *testing.T) {
		ap, ok := MustParse("https://127.0.0.1").Resolve()
		require.True(t, ok)
		assert.Equal(t, uint16(443), ap.Port())
	})

	t.Run("url with unknown scheme and no port", func(t *testing.T) {
		_, ok := MustParse("gopher2://127.0.0.1").Resolve()
		assert.False(t, ok)
	})
}

func TestPort(t *testing.T) {
	port, ok := MustParse("http://example.com:8080").Port()
	require.True(t, ok)
	assert.Equal(t, uint16(8080), port)

	port, ok = MustParse("http://example.com").Port()
	require.True(t, ok)
	assert.Equal(t, uint16(80), port)
}

func TestHostPort(t *testing.T) {
	hp, ok := MustParse("http://example.com/api").HostPort()
	require.True(t, ok)
	assert.Equal(t, "example.com:80", hp)

	hp, ok = MustParse("[::1]:7000").HostPort()
	require.True(t, ok)
	assert.Equal(t, "[::1]:7000", hp)
}

func TestPushPath(t *testing.T) {
	base := MustParse("http://example.com:8080")

	health, err := base.PushPath("healthz")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com:8080/healthz", health.String())

	// the receiver is untouched
	assert.Equal(t, "http://example.com:8080", base.String())

	nested, err := MustParse("http://example.com/api").PushPath("v1")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1", nested.URL().Path)

	_, err = MustParse("127.0.0.1:9000").PushPath("healthz")
	assert.ErrorIs(t, err, ErrPushToNonURL)
}

func TestEqual(t *testing.T) {
	assert.True(t, MustParse("127.0.0.1:9000").Equal(FromAddrPort(netip.MustParseAddrPort("127.0.0.1:9000"))))
	assert.False(t, MustParse("127.0.0.1:9000").Equal(MustParse("127.0.0.1:9001")))

	seen := map[string]bool{MustParse("http://a.example:1").String(): true}
	assert.True(t, seen[MustParse("http://a.example:1").String()])
}
