// Package tls builds server and client TLS configurations for the keepup API.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// AutoGen configures self-signed certificate generation.
type AutoGen struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool    `mapstructure:"enabled"`
	CertFile     string  `mapstructure:"cert_file"`
	KeyFile      string  `mapstructure:"key_file"`
	Dir          string  `mapstructure:"dir"`
	AutoGenerate bool    `mapstructure:"auto_generate"`
	MinVersion   string  `mapstructure:"min_version"`
	MaxVersion   string  `mapstructure:"max_version"`
	AutoGen      AutoGen `mapstructure:"auto_gen"`
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults both bounds to TLS 1.3.
func resolveTLSVersions(cfg Config) (lo uint16, hi uint16) {
	lo, hi = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseTLSVersion(cfg.MinVersion); ok {
		lo = v
	}
	if v, ok := parseTLSVersion(cfg.MaxVersion); ok {
		hi = v
	}
	return
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certificateLoader reloads the key pair on every handshake so rotated
// certificates are picked up without a restart.
func certificateLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		key, err := safeReadFile(filepath.Dir(keyFile), keyFile)
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(cert, key)
		return &pair, err
	}
}

// Setup returns the server TLS configuration, or nil when TLS is disabled.
// Explicit cert/key files win over Dir; Dir may be populated with a
// self-signed certificate when AutoGenerate is set.
func Setup(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	lo, hi := resolveTLSVersions(cfg)
	if lo > hi {
		return nil, fmt.Errorf("tls min_version %q is above max_version %q", cfg.MinVersion, cfg.MaxVersion)
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		return serverConfig(cfg.CertFile, cfg.KeyFile, lo, hi), nil
	}
	if cfg.Dir != "" {
		certPath := filepath.Join(cfg.Dir, tlsCrt)
		keyPath := filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg.AutoGen, cfg.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		if !certificatesExist(certPath, keyPath) {
			return nil, fmt.Errorf("no certificate in %s", cfg.Dir)
		}
		return serverConfig(certPath, keyPath, lo, hi), nil
	}
	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

// ClientConfig trusts caFile in addition to the system pool. insecure skips
// verification entirely and is meant for self-signed development setups.
func ClientConfig(caFile string, insecure bool) (*tls.Config, error) {
	// #nosec G402 opt-in via configuration
	c := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile == "" {
		return c, nil
	}
	pem, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	c.RootCAs = pool
	return c, nil
}

func serverConfig(certPath, keyPath string, lo, hi uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: certificateLoader(certPath, keyPath),
		MinVersion:     lo,
		MaxVersion:     hi,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func sliceOr(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func generateCertificate(a AutoGen, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	validDays := a.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   valueOr(a.CommonName, "localhost"),
		Organization: valueOr(a.Organization, "keepup"),
		DNSNames:     sliceOr(a.DNSNames, []string{"localhost"}),
		IPAddresses:  sliceOr(a.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
