package security

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		e       Endpoint
		wantErr bool
	}{
		{"http", "http://localhost:8000/api", HTTPEndpoint, false},
		{"https remote", "https://chat.example.com/api", HTTPEndpoint, false},
		{"wss", "wss://chat.example.com/ws", WebsocketEndpoint, false},
		{"ws for rest", "ws://localhost/api", HTTPEndpoint, true},
		{"http for websocket", "http://localhost/ws", WebsocketEndpoint, true},
		{"no host", "http:///api", HTTPEndpoint, true},
		{"unspecified", "http://0.0.0.0:8000", HTTPEndpoint, true},
		{"mapped unspecified", "http://[::ffff:0.0.0.0]/", HTTPEndpoint, true},
		{"multicast", "ws://224.0.0.1/ws", WebsocketEndpoint, true},
		{"zoned", "https://[fe80::1%25eth0]/", HTTPEndpoint, true},
		{"garbage", "http://[::1", HTTPEndpoint, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ValidateEndpointURL(tt.raw, tt.e)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, u)
		})
	}
}

func TestIsLocalHost(t *testing.T) {
	for _, host := range []string{"localhost", "api.localhost", "nas.local", "127.0.0.1", "::1", "10.1.2.3", "192.168.0.10", "fe80::1"} {
		assert.True(t, IsLocalHost(host), host)
	}
	for _, host := range []string{"example.com", "8.8.8.8", "2001:4860:4860::8888"} {
		assert.False(t, IsLocalHost(host), host)
	}
}

func TestIsPlaintextRemote(t *testing.T) {
	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}
	assert.True(t, IsPlaintextRemote(parse("http://chat.example.com/api"), HTTPEndpoint))
	assert.False(t, IsPlaintextRemote(parse("https://chat.example.com/api"), HTTPEndpoint))
	assert.False(t, IsPlaintextRemote(parse("ws://127.0.0.1:8000/ws"), WebsocketEndpoint))
}
