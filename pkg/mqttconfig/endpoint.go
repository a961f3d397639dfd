package mqttconfig

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	SchemeTCP = "tcp"
	SchemeSSL = "ssl"

	DefaultTCPPort = 1883
	DefaultSSLPort = 8883
)

// Endpoint is a broker address resolved from a server URI.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// Secure reports whether the connection must be wrapped in TLS.
func (e Endpoint) Secure() bool {
	return e.Scheme == SchemeSSL
}

// Address returns the host:port dial address.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String renders the endpoint in URI form.
func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address()
}

// ParseServerURI parses a broker URI such as "ssl://broker:8883". The port
// defaults to 1883 for tcp and 8883 for ssl.
func ParseServerURI(uri string) (Endpoint, error) {
	if strings.TrimSpace(uri) == "" {
		return Endpoint{}, invalidArgument(OptServerURI, "server URI cannot be empty")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, invalidValue(OptServerURI, uri, "malformed URI: "+err.Error())
	}

	ep := Endpoint{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	switch ep.Scheme {
	case SchemeTCP:
		ep.Port = DefaultTCPPort
	case SchemeSSL:
		ep.Port = DefaultSSLPort
	default:
		return Endpoint{}, invalidValue(OptServerURI, uri, "scheme must be tcp or ssl")
	}
	if ep.Host == "" {
		return Endpoint{}, invalidValue(OptServerURI, uri, "missing host")
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, invalidValue(OptServerURI, uri, "port must be between 1 and 65535")
		}
		ep.Port = port
	}
	return ep, nil
}
