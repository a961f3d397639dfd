// Package transport opens byte-stream connections to an MQTT broker, plain
// TCP for "tcp" URIs and TLS for "ssl" URIs.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-dataflow-mqtt/pkg/mqttconfig"
	"github.com/rs/zerolog"
)

// Dialer connects to the broker named by a connection configuration.
type Dialer struct {
	endpoint  mqttconfig.Endpoint
	tlsConfig *tls.Config
	netDialer net.Dialer
	debug     bool
	logger    zerolog.Logger
}

// NewDialer prepares a dialer for cfg. For ssl endpoints the TLS material
// is loaded here, so unreadable or invalid stores fail before any network
// activity.
func NewDialer(cfg *mqttconfig.ConnectionConfig, logger zerolog.Logger) (*Dialer, error) {
	ep := cfg.Endpoint()
	d := &Dialer{
		endpoint: ep,
		debug:    cfg.TLS().SSLDebug(),
		logger:   logger.With().Str("component", "Dialer").Str("broker", ep.String()).Logger(),
	}

	if !ep.Secure() {
		if cfg.TLS().HasTrustMaterial() || cfg.TLS().HasClientIdentity() {
			d.logger.Warn().Msg("TLS settings are ignored for a tcp server URI.")
		}
		return d, nil
	}

	tlsConfig, err := BuildTLSConfig(cfg.TLS(), ep.Host, d.logger)
	if err != nil {
		return nil, err
	}
	d.tlsConfig = tlsConfig
	return d, nil
}

// Endpoint returns the broker address the dialer connects to.
func (d *Dialer) Endpoint() mqttconfig.Endpoint {
	return d.endpoint
}

// Dial opens a connection, completing the TLS handshake for ssl endpoints.
// The connection is closed on every failed path.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	addr := d.endpoint.Address()
	conn, err := d.netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, networkError(addr, err)
	}
	if d.tlsConfig == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, d.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		if d.debug {
			d.logger.Info().Err(err).Msg("TLS handshake failed.")
		}
		if isSecurityFailure(ctx, err) {
			return nil, securityError(addr, err)
		}
		return nil, networkError(addr, err)
	}
	return tlsConn, nil
}

// OpenConnectionFunc adapts the dialer to paho's custom connection hook. The
// client's connect timeout bounds each dial and cancelling ctx aborts it.
// onError, if not nil, receives every dial failure so the caller can
// classify it: paho itself only reports a generic network error.
func (d *Dialer) OpenConnectionFunc(ctx context.Context, onError func(error)) mqtt.OpenConnectionFunc {
	return func(_ *url.URL, options mqtt.ClientOptions) (net.Conn, error) {
		dialCtx := ctx
		if options.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, options.ConnectTimeout)
			defer cancel()
		}
		conn, err := d.Dial(dialCtx)
		if err != nil && onError != nil {
			onError(err)
		}
		return conn, err
	}
}

// isSecurityFailure reports whether a handshake failure was caused by
// certificates or protocol negotiation rather than by the network.
func isSecurityFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	var alertErr tls.AlertError
	var headerErr tls.RecordHeaderError
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownAuthority),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr),
		errors.As(err, &alertErr),
		errors.As(err, &headerErr):
		return true
	}
	// A fatal alert from the peer arrives as "remote error".
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	return !errors.Is(err, io.EOF) && !errors.Is(err, syscall.ECONNRESET)
}
