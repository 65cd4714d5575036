package mailcrab

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrab/mailcrab/log"
)

func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
	})
}

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	logger, err := log.GetLogger("off", "error")
	require.NoError(t, err)
	return logger
}

func TestGenerateAndReuseTLSMaterial(t *testing.T) {
	inTempDir(t)
	logger := testLogger(t)

	cfg, err := loadOrCreateTLSConfig("mailcrab", logger)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	// both files were persisted
	certPEM, err := os.ReadFile(certFile)
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(keyFile)
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "mailcrab", cert.Subject.CommonName)

	// the key is PKCS#8
	block, _ = pem.Decode(keyPEM)
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)
	_, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	require.NoError(t, err)

	// a second load reuses the persisted pair instead of regenerating
	cfg2, err := loadOrCreateTLSConfig("mailcrab", logger)
	require.NoError(t, err)
	require.Len(t, cfg2.Certificates, 1)
	assert.Equal(t, cfg.Certificates[0].Certificate[0], cfg2.Certificates[0].Certificate[0])
}

func TestRegenerateOnCorruptMaterial(t *testing.T) {
	inTempDir(t)
	logger := testLogger(t)

	_, err := loadOrCreateTLSConfig("mailcrab", logger)
	require.NoError(t, err)
	before, err := os.ReadFile(certFile)
	require.NoError(t, err)

	// damage the key: both files must be replaced together
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0600))

	_, err = loadOrCreateTLSConfig("mailcrab", logger)
	require.NoError(t, err)
	after, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	// the regenerated pair must be consistent
	_, err = loadOrCreateTLSConfig("mailcrab", logger)
	require.NoError(t, err)
}
