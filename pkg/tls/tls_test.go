package tls

import (
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generate(t *testing.T, hosts ...string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	certFile := filepath.Join(dir, "partnerd.crt")
	keyFile := filepath.Join(dir, "partnerd.key")
	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "partnerd", time.Hour, hosts...))
	return certFile, keyFile
}

func TestGenerateSelfSignedCert(t *testing.T) {
	certFile, keyFile := generate(t, "10.0.0.5", "partners.internal")

	data, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "partnerd", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.Contains(t, cert.DNSNames, "partners.internal")
	ips := []string{}
	for _, ip := range cert.IPAddresses {
		ips = append(ips, ip.String())
	}
	assert.Contains(t, ips, "10.0.0.5")

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestServerAndClientConfig(t *testing.T) {
	certFile, keyFile := generate(t)

	serverCfg, err := ServerConfig(certFile, keyFile, "")
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(certFile, "", "")
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	// The system roots do not trust a self-signed certificate
	plain := &http.Client{Transport: &http.Transport{}}
	_, err = plain.Get(srv.URL)
	assert.Error(t, err)
}

func TestMutualTLS(t *testing.T) {
	certFile, keyFile := generate(t)

	serverCfg, err := ServerConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	anonymous, err := ClientConfig(certFile, "", "")
	require.NoError(t, err)
	_, err = (&http.Client{Transport: &http.Transport{TLSClientConfig: anonymous}}).Get(srv.URL)
	assert.Error(t, err)

	withCert, err := ClientConfig(certFile, certFile, keyFile)
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: &http.Transport{TLSClientConfig: withCert}}).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestConfigErrors(t *testing.T) {
	_, err := ServerConfig("missing.crt", "missing.key", "")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = ClientConfig(bad, "", "")
	assert.Error(t, err)
}
