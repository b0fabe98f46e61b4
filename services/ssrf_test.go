package services

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]net.IPAddr, len(ips))
	for i, s := range ips {
		out[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return out, nil
}

func TestSSRFGuardValidate(t *testing.T) {
	guard := NewSSRFGuard(fakeResolver{
		"hooks.example.com":    {"93.184.216.34"},
		"rebind.example.com":   {"93.184.216.34", "10.1.2.3"},
		"metadata.example.com": {"169.254.169.254"},
		"v6.example.com":       {"2606:2800:220:1:248:1893:25c8:1946"},
		"ula.example.com":      {"fd00::1"},
	})

	tests := []struct {
		url     string
		wantErr error
	}{
		{"https://hooks.example.com/notify", nil},
		{"HTTP://hooks.example.com/notify", nil},
		{"https://v6.example.com/x", nil},
		{"https://93.184.216.34/x", nil},

		{"ftp://hooks.example.com/", ErrSSRFBlocked},
		{"file:///etc/passwd", ErrSSRFBlocked},
		{"gopher://hooks.example.com", ErrSSRFBlocked},
		{"https:///nohost", ErrSSRFBlocked},
		{"http://127.0.0.1/", ErrSSRFBlocked},
		{"http://127.8.9.10:8080/", ErrSSRFBlocked},
		{"http://[::1]/", ErrSSRFBlocked},
		{"http://0.0.0.0/", ErrSSRFBlocked},
		{"http://[::]/", ErrSSRFBlocked},
		{"http://169.254.169.254/latest/meta-data", ErrSSRFBlocked},
		{"http://[fe80::1]/", ErrSSRFBlocked},
		{"http://10.0.0.5/", ErrSSRFBlocked},
		{"http://172.16.0.1/", ErrSSRFBlocked},
		{"http://172.31.255.255/", ErrSSRFBlocked},
		{"http://192.168.1.1/", ErrSSRFBlocked},
		{"http://[::ffff:127.0.0.1]/", ErrSSRFBlocked},
		{"http://localhost/", ErrSSRFBlocked},
		{"http://LOCALHOST:9000/", ErrSSRFBlocked},
		{"http://api.localhost/", ErrSSRFBlocked},
		{"http://printer.local/", ErrSSRFBlocked},
		{"http://localhost./", ErrSSRFBlocked},
		{"https://metadata.example.com/", ErrSSRFBlocked},
		{"https://rebind.example.com/", ErrSSRFBlocked},
		{"https://ula.example.com/", ErrSSRFBlocked},

		{"https://unknown.example.com/", ErrDispatchFailure},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := guard.Validate(context.Background(), tt.url)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIsBlockedIPBoundaries(t *testing.T) {
	assert.False(t, IsBlockedIP(net.ParseIP("172.15.255.255")))
	assert.True(t, IsBlockedIP(net.ParseIP("172.16.0.0")))
	assert.False(t, IsBlockedIP(net.ParseIP("172.32.0.0")))
	assert.False(t, IsBlockedIP(net.ParseIP("8.8.8.8")))
	assert.False(t, IsBlockedIP(net.ParseIP("192.169.0.1")))
}

func TestTransportRefusesPrivateDial(t *testing.T) {
	guard := NewSSRFGuard(fakeResolver{"evil.example.com": {"127.0.0.1"}})
	tr := guard.Transport(0)
	_, err := tr.DialContext(context.Background(), "tcp", "evil.example.com:80")
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}
