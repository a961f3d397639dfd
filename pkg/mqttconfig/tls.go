package mqttconfig

import (
	"fmt"
	"strings"
)

// DefaultSSLProtocol is used when no protocol is configured.
const DefaultSSLProtocol = "TLSv1.2"

// sslProtocols lists the accepted protocol names. "TLS" leaves the version
// range to the runtime's defaults.
var sslProtocols = map[string]struct{}{
	"TLS":     {},
	"TLSv1":   {},
	"TLSv1.1": {},
	"TLSv1.2": {},
	"TLSv1.3": {},
}

// TLSConfig holds the security material used when the server URI scheme is
// "ssl". It is ignored for plain "tcp" connections.
type TLSConfig struct {
	trustStore         string
	trustStorePassword string
	trustedCerts       []string
	clientCert         string
	clientPrivateKey   string
	keyStore           string
	keyStorePassword   string
	sslProtocol        string
	sslDebug           bool
}

func newTLSConfig() TLSConfig {
	return TLSConfig{sslProtocol: DefaultSSLProtocol}
}

// SetTrustStore sets the truststore path. The file may hold PEM certificates
// or a PKCS#12 trust store.
func (t *TLSConfig) SetTrustStore(path string) { t.trustStore = path }
func (t *TLSConfig) TrustStore() string         { return t.trustStore }

func (t *TLSConfig) SetTrustStorePassword(password string) { t.trustStorePassword = password }
func (t *TLSConfig) TrustStorePassword() string            { return t.trustStorePassword }

// SetTrustedCerts sets the trusted CA certificates, each given either as
// PEM text or as the path of a PEM file.
func (t *TLSConfig) SetTrustedCerts(certs []string) {
	t.trustedCerts = append([]string(nil), certs...)
}

// TrustedCerts returns a copy of the trusted certificate list.
func (t *TLSConfig) TrustedCerts() []string {
	return append([]string(nil), t.trustedCerts...)
}

// SetClientCert sets the client certificate as PEM text or a PEM file path.
func (t *TLSConfig) SetClientCert(cert string) { t.clientCert = cert }
func (t *TLSConfig) ClientCert() string         { return t.clientCert }

// SetClientPrivateKey sets the client private key as PEM text or a path.
func (t *TLSConfig) SetClientPrivateKey(key string) { t.clientPrivateKey = key }
func (t *TLSConfig) ClientPrivateKey() string        { return t.clientPrivateKey }

// SetKeyStore sets the path of a PKCS#12 keystore holding the client
// identity.
func (t *TLSConfig) SetKeyStore(path string) { t.keyStore = path }
func (t *TLSConfig) KeyStore() string         { return t.keyStore }

func (t *TLSConfig) SetKeyStorePassword(password string) { t.keyStorePassword = password }
func (t *TLSConfig) KeyStorePassword() string            { return t.keyStorePassword }

// SetSSLProtocol sets the protocol name, e.g. "TLSv1.2".
func (t *TLSConfig) SetSSLProtocol(protocol string) error {
	if _, ok := sslProtocols[protocol]; !ok {
		return invalidValue(OptSSLProtocol, protocol,
			fmt.Sprintf("unsupported protocol, expected one of %s", strings.Join(supportedProtocols(), ", ")))
	}
	t.sslProtocol = protocol
	return nil
}

func (t *TLSConfig) SSLProtocol() string { return t.sslProtocol }

// SetSSLDebug enables logging of handshake details.
func (t *TLSConfig) SetSSLDebug(debug bool) { t.sslDebug = debug }
func (t *TLSConfig) SSLDebug() bool         { return t.sslDebug }

// HasTrustMaterial reports whether a truststore or trusted certificates are
// configured.
func (t *TLSConfig) HasTrustMaterial() bool {
	return t.trustStore != "" || len(t.trustedCerts) > 0
}

// HasClientIdentity reports whether a client certificate or keystore is
// configured.
func (t *TLSConfig) HasClientIdentity() bool {
	return t.clientCert != "" || t.keyStore != ""
}

func (t *TLSConfig) validate(secure bool) error {
	if t.trustStore != "" && t.trustStorePassword == "" {
		return invalidArgument(OptTrustStorePassword, "a truststore path requires a truststore password")
	}
	if t.trustStore == "" && t.trustStorePassword != "" {
		return invalidArgument(OptTrustStore, "a truststore password was given without a truststore path")
	}
	if t.keyStore != "" && t.keyStorePassword == "" {
		return invalidArgument(OptKeyStorePassword, "a keystore path requires a keystore password")
	}
	if t.keyStore == "" && t.keyStorePassword != "" {
		return invalidArgument(OptKeyStore, "a keystore password was given without a keystore path")
	}
	if (t.clientCert == "") != (t.clientPrivateKey == "") {
		return invalidArgument(OptClientCert, "client certificate and private key must be set together")
	}
	if t.clientCert != "" && t.keyStore != "" {
		return invalidArgument(OptKeyStore, "use either a keystore or a client certificate and key, not both")
	}
	if secure && !t.HasTrustMaterial() {
		return invalidArgument(OptTrustStore, "an ssl server URI requires a truststore or trusted certificates")
	}
	return nil
}

func supportedProtocols() []string {
	return []string{"TLS", "TLSv1", "TLSv1.1", "TLSv1.2", "TLSv1.3"}
}
