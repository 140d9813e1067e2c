package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseProxy(t *testing.T) {
	p, err := ParseProxy("socks5://user:pa:ss@10.0.0.1:1080")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", p.IP)
	require.Equal(t, 1080, p.Port)
	require.Equal(t, "user", p.Login)
	require.Equal(t, "pa:ss", p.Password)
	require.Equal(t, "socks5://user:pa:ss@10.0.0.1:1080", p.URL())

	p, err = ParseProxy("1.2.3.4:9050")
	require.NoError(t, err)
	require.Equal(t, "socks5://1.2.3.4:9050", p.URL())
	require.Empty(t, p.Login)
}

func TestParseProxyInvalid(t *testing.T) {
	for _, raw := range []string{"", "http://1.2.3.4:80", "1.2.3.4", "1.2.3.4:0", ":@1.2.3.4:80", ":1080"} {
		_, err := ParseProxy(raw)
		require.Errorf(t, err, "ожидалась ошибка для %q", raw)
	}
}
