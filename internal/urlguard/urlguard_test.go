package urlguard

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	ips []net.IPAddr
	err error
}

func (f fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return f.ips, f.err
}

func resolverFor(ip string) fakeResolver {
	return fakeResolver{ips: []net.IPAddr{{IP: net.ParseIP(ip)}}}
}

func TestValidate_BlocksPrivateAndSpecialIPs(t *testing.T) {
	cases := map[string]string{
		"loopback":        "127.0.0.1",
		"link-local":      "169.254.1.1",
		"multicast":       "224.0.0.1",
		"private-10":      "10.1.2.3",
		"private-192":     "192.168.1.1",
		"cloud-metadata":  "169.254.169.254",
		"azure-metadata":  "168.63.129.16",
		"reserved-future": "240.1.1.1",
	}
	for name, ip := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(context.Background(), "https://example.com/feed.xml", resolverFor(ip))
			require.Error(t, err)
			var ssrf *SSRFError
			require.ErrorAs(t, err, &ssrf)
		})
	}
}

func TestValidate_AllowsPublicHTTPS(t *testing.T) {
	got, err := Validate(context.Background(), "  https://example.com/feed.xml  ", resolverFor("93.184.216.34"))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/feed.xml", got)
}

func TestValidate_BlocksBadScheme(t *testing.T) {
	_, err := Validate(context.Background(), "file:///etc/passwd", resolverFor("93.184.216.34"))
	require.Error(t, err)
}

func TestValidate_BlocksDisallowedPort(t *testing.T) {
	_, err := Validate(context.Background(), "https://example.com:9999/feed.xml", resolverFor("93.184.216.34"))
	require.Error(t, err)
}

func TestValidate_EmptyURL(t *testing.T) {
	_, err := Validate(context.Background(), "   ", resolverFor("93.184.216.34"))
	require.Error(t, err)
}
