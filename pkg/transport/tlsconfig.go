package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/rs/zerolog"
	"software.sslmate.com/src/go-pkcs12"
)

var tlsVersions = map[string]uint16{
	"TLSv1":   tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// BuildTLSConfig turns the security settings into a client tls.Config with
// SNI set to serverName. Trust and identity material may be PEM text, PEM
// files or PKCS#12 stores. Failures are reported as ErrSecurity.
func BuildTLSConfig(cfg *mqttconfig.TLSConfig, serverName string, logger zerolog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{ServerName: serverName}

	if v, ok := tlsVersions[cfg.SSLProtocol()]; ok {
		tlsConfig.MinVersion = v
		tlsConfig.MaxVersion = v
	}

	roots, err := loadTrust(cfg)
	if err != nil {
		return nil, securityError("", err)
	}
	tlsConfig.RootCAs = roots

	if cfg.HasClientIdentity() {
		cert, err := loadIdentity(cfg)
		if err != nil {
			return nil, securityError("", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.SSLDebug() {
		debugLogger := logger.With().Str("server_name", serverName).Logger()
		tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
			evt := debugLogger.Info().
				Str("tls_version", tls.VersionName(cs.Version)).
				Str("cipher_suite", tls.CipherSuiteName(cs.CipherSuite)).
				Bool("resumed", cs.DidResume)
			if len(cs.PeerCertificates) > 0 {
				leaf := cs.PeerCertificates[0]
				evt = evt.Str("peer_subject", leaf.Subject.String()).
					Str("peer_issuer", leaf.Issuer.String()).
					Time("peer_not_after", leaf.NotAfter)
			}
			evt.Msg("TLS handshake completed.")
			return nil
		}
	}
	return tlsConfig, nil
}

// isPEMText distinguishes inline PEM from a file path.
func isPEMText(s string) bool {
	return strings.Contains(s, "-----BEGIN")
}

func readPEMOrFile(s string) ([]byte, error) {
	if isPEMText(s) {
		return []byte(s), nil
	}
	data, err := os.ReadFile(s)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s, err)
	}
	return data, nil
}

func loadTrust(cfg *mqttconfig.TLSConfig) (*x509.CertPool, error) {
	if !cfg.HasTrustMaterial() {
		return nil, nil
	}
	pool := x509.NewCertPool()

	for _, c := range cfg.TrustedCerts() {
		data, err := readPEMOrFile(c)
		if err != nil {
			return nil, err
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in trusted certificate %s", describe(c))
		}
	}

	if ts := cfg.TrustStore(); ts != "" {
		data, err := os.ReadFile(ts)
		if err != nil {
			return nil, fmt.Errorf("failed to read truststore %s: %w", ts, err)
		}
		if isPEMText(string(data)) {
			if !pool.AppendCertsFromPEM(data) {
				return nil, fmt.Errorf("no certificates found in truststore %s", ts)
			}
			return pool, nil
		}
		certs, err := pkcs12.DecodeTrustStore(data, cfg.TrustStorePassword())
		if err != nil {
			return nil, fmt.Errorf("failed to decode PKCS#12 truststore %s: %w", ts, err)
		}
		if len(certs) == 0 {
			return nil, fmt.Errorf("truststore %s holds no certificates", ts)
		}
		for _, cert := range certs {
			pool.AddCert(cert)
		}
	}
	return pool, nil
}

func loadIdentity(cfg *mqttconfig.TLSConfig) (tls.Certificate, error) {
	if ks := cfg.KeyStore(); ks != "" {
		data, err := os.ReadFile(ks)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to read keystore %s: %w", ks, err)
		}
		key, leaf, chain, err := pkcs12.DecodeChain(data, cfg.KeyStorePassword())
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to decode PKCS#12 keystore %s: %w", ks, err)
		}
		cert := tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}
		for _, ca := range chain {
			cert.Certificate = append(cert.Certificate, ca.Raw)
		}
		return cert, nil
	}

	certPEM, err := readPEMOrFile(cfg.ClientCert())
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := readPEMOrFile(cfg.ClientPrivateKey())
	if err != nil {
		return tls.Certificate{}, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load client certificate/key pair: %w", err)
	}
	return cert, nil
}

// describe names a certificate source without echoing PEM bodies into logs.
func describe(s string) string {
	if !isPEMText(s) {
		return s
	}
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return "(inline PEM)"
	}
	return "(inline " + block.Type + ")"
}
