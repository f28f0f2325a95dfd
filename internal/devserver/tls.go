package devserver

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

// TLSConfig names the PEM files used to serve HTTPS. Setting ClientCAFile turns on
// mutual TLS.
type TLSConfig struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// TLSConfigFromEnv reads DSUP_DEVSERVER_TLS_CERT, _KEY and _CLIENT_CA. It returns nil
// when no certificate is configured.
func TLSConfigFromEnv() *TLSConfig {
	cfg := &TLSConfig{
		CertFile:     os.Getenv("DSUP_DEVSERVER_TLS_CERT"),
		KeyFile:      os.Getenv("DSUP_DEVSERVER_TLS_KEY"),
		ClientCAFile: os.Getenv("DSUP_DEVSERVER_TLS_CLIENT_CA"),
	}
	if cfg.CertFile == "" {
		return nil
	}
	return cfg
}

// ServerConfig loads the key pair and, for mutual TLS, the client CA pool.
func (c *TLSConfig) ServerConfig() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func requireClientCert(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if required {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			cert := r.TLS.PeerCertificates[0]
			log.Debug().Str("subject", cert.Subject.String()).Str("serial", cert.SerialNumber.String()).Msg("client certificate accepted")
			next.ServeHTTP(w, r)
		})
	}
}
