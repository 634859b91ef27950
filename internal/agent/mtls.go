package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// Environment variables read by droidfleet-agent for TLS.
const (
	EnvTLSCert     = "DROIDFLEET_AGENT_TLS_CERT"
	EnvTLSKey      = "DROIDFLEET_AGENT_TLS_KEY"
	EnvClientCA    = "DROIDFLEET_AGENT_CLIENT_CA"
	EnvRequireMTLS = "DROIDFLEET_AGENT_REQUIRE_MTLS"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadMTLSConfig loads mTLS configuration from environment variables
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv(EnvTLSCert),
		ServerKey:    os.Getenv(EnvTLSKey),
		ClientCACert: os.Getenv(EnvClientCA),
		RequireAuth:  os.Getenv(EnvRequireMTLS) == "true",
	}
}

// Enabled reports whether a server certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse CA certificate %s", path)
	}
	return pool, nil
}

// TLSConfig builds the server TLS configuration. Client certificates are
// required and verified when RequireAuth is set.
func (c MTLSConfig) TLSConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if c.RequireAuth {
		if c.ClientCACert == "" {
			return nil, fmt.Errorf("%s required when mTLS is enforced", EnvClientCA)
		}
		pool, err := loadPool(c.ClientCACert)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ListenAndServeTLS starts the server with TLS and optional client authentication.
func (s *Server) ListenAndServeTLS(addr string, c MTLSConfig) error {
	tlsConfig, err := c.TLSConfig()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.Logger.Info().Str("addr", ln.Addr().String()).Bool("mtls_required", c.RequireAuth).Msg("agent listening with TLS")
	return s.srv.Serve(tls.NewListener(ln, tlsConfig))
}

// ClientTLS holds the files a droidfleet client uses to reach a TLS agent.
type ClientTLS struct {
	CACert     string
	ClientCert string
	ClientKey  string
}

// HTTPClient builds an HTTP client for the agent. Empty files fall back to
// the system roots and no client certificate.
func (c ClientTLS) HTTPClient(timeout time.Duration) (*http.Client, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CACert != "" {
		pool, err := loadPool(c.CACert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.ClientCert != "" || c.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = cfg
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
