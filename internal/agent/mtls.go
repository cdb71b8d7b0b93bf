package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// MTLSConfig locates the agent's certificate material. With RequireAuth set,
// only nodes presenting a certificate signed by ClientCACert may probe.
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadMTLSConfig reads FLEETFS_AGENT_TLS_CERT, FLEETFS_AGENT_TLS_KEY,
// FLEETFS_AGENT_CLIENT_CA and FLEETFS_AGENT_REQUIRE_MTLS.
func LoadMTLSConfig() MTLSConfig {
	return MTLSConfig{
		ServerCert:   os.Getenv("FLEETFS_AGENT_TLS_CERT"),
		ServerKey:    os.Getenv("FLEETFS_AGENT_TLS_KEY"),
		ClientCACert: os.Getenv("FLEETFS_AGENT_CLIENT_CA"),
		RequireAuth:  os.Getenv("FLEETFS_AGENT_REQUIRE_MTLS") == "true",
	}
}

func certPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// ConfigureTLS builds the agent's server-side TLS configuration.
func (s *Server) ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if config.ServerCert == "" || config.ServerKey == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA required for mTLS")
		}
		pool, err := certPool(config.ClientCACert)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

// ClientTLSConfig builds the configuration a node uses to probe agents
// served over TLS. caCert verifies the agent; cert and key, when both set,
// are presented for mTLS. It returns nil when every path is empty.
func ClientTLSConfig(caCert, cert, key string) (*tls.Config, error) {
	if caCert == "" && cert == "" && key == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		pool, err := certPool(caCert)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if (cert == "") != (key == "") {
		return nil, fmt.Errorf("client cert and key must be set together")
	}
	if cert != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

// MTLSMiddleware rejects requests without a verified client certificate
// when requireAuth is set.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verified := r.TLS != nil && len(r.TLS.PeerCertificates) > 0
			if requireAuth && !verified {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}
			if verified {
				log.Debug().Str("node", r.TLS.PeerCertificates[0].Subject.CommonName).
					Str("path", r.URL.Path).Msg("probe from authenticated node")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves the agent over TLS.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := s.ConfigureTLS(config)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Bool("mtls_required", config.RequireAuth).Msg("agent serving TLS")
	return s.srv.ListenAndServeTLS("", "")
}
