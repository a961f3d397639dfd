package mqttconfig

import (
	"time"
)

// ConnectionConfig holds the parameters shared by sources and sinks: where the
// broker is, who we are, and how the session behaves on failure.
type ConnectionConfig struct {
	serverURI string
	endpoint  Endpoint
	clientID  string

	userID   string
	password string

	appConfigName        string
	userPropertyName     string
	passwordPropertyName string

	keepAliveSeconds     int
	commandTimeoutMillis int64
	reconnectionBound    int
	periodMillis         int64

	tls TLSConfig
}

func newConnectionConfig(serverURI string) (ConnectionConfig, error) {
	c := ConnectionConfig{
		keepAliveSeconds:     DefaultKeepAliveSeconds,
		commandTimeoutMillis: DefaultCommandTimeout,
		reconnectionBound:    DefaultReconnectionBound,
		periodMillis:         DefaultPeriodMillis,
		tls:                  newTLSConfig(),
	}
	if err := c.SetServerURI(serverURI); err != nil {
		return ConnectionConfig{}, err
	}
	return c, nil
}

// SetServerURI sets the broker URI, e.g. "tcp://broker:1883".
func (c *ConnectionConfig) SetServerURI(uri string) error {
	ep, err := ParseServerURI(uri)
	if err != nil {
		return err
	}
	c.serverURI = uri
	c.endpoint = ep
	return nil
}

func (c *ConnectionConfig) ServerURI() string { return c.serverURI }

// Endpoint returns the broker address parsed from the server URI.
func (c *ConnectionConfig) Endpoint() Endpoint { return c.endpoint }

// SetClientID sets the requested client identifier. An empty value asks the
// session to generate one.
func (c *ConnectionConfig) SetClientID(id string) { c.clientID = id }
func (c *ConnectionConfig) ClientID() string       { return c.clientID }

func (c *ConnectionConfig) SetUserID(user string) { c.userID = user }
func (c *ConnectionConfig) UserID() string         { return c.userID }

func (c *ConnectionConfig) SetPassword(password string) { c.password = password }
func (c *ConnectionConfig) Password() string            { return c.password }

// SetAppConfigName names the application configuration holding the broker
// credentials. When set, the resolved credentials override UserID and
// Password.
func (c *ConnectionConfig) SetAppConfigName(name string) { c.appConfigName = name }
func (c *ConnectionConfig) AppConfigName() string         { return c.appConfigName }

func (c *ConnectionConfig) SetUserPropertyName(name string) { c.userPropertyName = name }
func (c *ConnectionConfig) UserPropertyName() string         { return c.userPropertyName }

func (c *ConnectionConfig) SetPasswordPropertyName(name string) { c.passwordPropertyName = name }
func (c *ConnectionConfig) PasswordPropertyName() string         { return c.passwordPropertyName }

// UsesCredentialRef reports whether credentials come from an application
// configuration rather than the inline user and password.
func (c *ConnectionConfig) UsesCredentialRef() bool {
	return c.appConfigName != ""
}

// SetKeepAliveSeconds sets the keep-alive interval. 0 disables keep-alive.
func (c *ConnectionConfig) SetKeepAliveSeconds(seconds int) error {
	if seconds < 0 {
		return invalidValue(OptKeepAliveInterval, seconds, "must be >= 0")
	}
	c.keepAliveSeconds = seconds
	return nil
}

func (c *ConnectionConfig) KeepAliveSeconds() int { return c.keepAliveSeconds }

func (c *ConnectionConfig) KeepAlive() time.Duration {
	return time.Duration(c.keepAliveSeconds) * time.Second
}

// SetCommandTimeoutMillis bounds each connect and publish operation. 0 waits
// forever.
func (c *ConnectionConfig) SetCommandTimeoutMillis(millis int64) error {
	if millis < 0 {
		return invalidValue(OptCommandTimeout, millis, "must be >= 0")
	}
	c.commandTimeoutMillis = millis
	return nil
}

func (c *ConnectionConfig) CommandTimeoutMillis() int64 { return c.commandTimeoutMillis }

func (c *ConnectionConfig) CommandTimeout() time.Duration {
	return time.Duration(c.commandTimeoutMillis) * time.Millisecond
}

// SetReconnectionBound sets how many times the session retries after a
// failed attempt: -1 retries forever, 0 never retries.
func (c *ConnectionConfig) SetReconnectionBound(bound int) error {
	if bound < InfiniteReconnection {
		return invalidValue(OptReconnectionBound, bound, "must be >= -1")
	}
	c.reconnectionBound = bound
	return nil
}

func (c *ConnectionConfig) ReconnectionBound() int { return c.reconnectionBound }

// SetPeriodMillis sets the fixed delay between reconnection attempts.
func (c *ConnectionConfig) SetPeriodMillis(millis int64) error {
	if millis <= 0 {
		return invalidValue(OptPeriod, millis, "must be > 0")
	}
	c.periodMillis = millis
	return nil
}

func (c *ConnectionConfig) PeriodMillis() int64 { return c.periodMillis }

func (c *ConnectionConfig) Period() time.Duration {
	return time.Duration(c.periodMillis) * time.Millisecond
}

// TLS returns the security settings for modification in place.
func (c *ConnectionConfig) TLS() *TLSConfig { return &c.tls }

// Validate checks the invariants that span more than one option.
func (c *ConnectionConfig) Validate() error {
	if c.serverURI == "" {
		return invalidArgument(OptServerURI, "server URI cannot be empty")
	}
	if c.appConfigName != "" {
		if c.userPropertyName == "" || c.passwordPropertyName == "" {
			return invalidArgument(OptAppConfigName, "appConfigName requires userPropertyName and passwordPropertyName")
		}
	} else if c.userPropertyName != "" || c.passwordPropertyName != "" {
		return invalidArgument(OptUserPropertyName, "credential property names require appConfigName")
	}
	return c.tls.validate(c.endpoint.Secure())
}

// set applies one of the options shared by sources and sinks. It reports
// false when the option is not a connection option.
func (c *ConnectionConfig) set(option string, value any) (bool, error) {
	var err error
	switch option {
	case OptServerURI:
		err = setString(option, value, c.SetServerURI)
	case OptClientID:
		err = assignString(option, value, c.SetClientID)
	case OptUserID:
		err = assignString(option, value, c.SetUserID)
	case OptPassword:
		err = assignString(option, value, c.SetPassword)
	case OptAppConfigName:
		err = assignString(option, value, c.SetAppConfigName)
	case OptUserPropertyName:
		err = assignString(option, value, c.SetUserPropertyName)
	case OptPasswordPropertyName:
		err = assignString(option, value, c.SetPasswordPropertyName)
	case OptKeepAliveInterval:
		var n int64
		if n, err = toInt(option, value); err == nil {
			err = c.SetKeepAliveSeconds(int(n))
		}
	case OptCommandTimeout:
		var n int64
		if n, err = toInt(option, value); err == nil {
			err = c.SetCommandTimeoutMillis(n)
		}
	case OptReconnectionBound:
		var n int64
		if n, err = toInt(option, value); err == nil {
			err = c.SetReconnectionBound(int(n))
		}
	case OptPeriod:
		var n int64
		if n, err = toInt(option, value); err == nil {
			err = c.SetPeriodMillis(n)
		}
	case OptTrustStore:
		err = assignString(option, value, c.tls.SetTrustStore)
	case OptTrustStorePassword:
		err = assignString(option, value, c.tls.SetTrustStorePassword)
	case OptTrustedCerts:
		var certs []string
		if certs, err = toStringList(option, value, true); err == nil {
			c.tls.SetTrustedCerts(certs)
		}
	case OptClientCert:
		err = assignString(option, value, c.tls.SetClientCert)
	case OptClientPrivateKey:
		err = assignString(option, value, c.tls.SetClientPrivateKey)
	case OptKeyStore:
		err = assignString(option, value, c.tls.SetKeyStore)
	case OptKeyStorePassword:
		err = assignString(option, value, c.tls.SetKeyStorePassword)
	case OptSSLProtocol:
		err = setString(option, value, c.tls.SetSSLProtocol)
	case OptSSLDebug:
		var b bool
		if b, err = toBool(option, value); err == nil {
			c.tls.SetSSLDebug(b)
		}
	default:
		return false, nil
	}
	return true, err
}

// get returns a connection option. It reports false for unknown options.
func (c *ConnectionConfig) get(option string) (any, bool) {
	switch option {
	case OptServerURI:
		return c.serverURI, true
	case OptClientID:
		return c.clientID, true
	case OptUserID:
		return c.userID, true
	case OptPassword:
		return c.password, true
	case OptAppConfigName:
		return c.appConfigName, true
	case OptUserPropertyName:
		return c.userPropertyName, true
	case OptPasswordPropertyName:
		return c.passwordPropertyName, true
	case OptKeepAliveInterval:
		return c.keepAliveSeconds, true
	case OptCommandTimeout:
		return c.commandTimeoutMillis, true
	case OptReconnectionBound:
		return c.reconnectionBound, true
	case OptPeriod:
		return c.periodMillis, true
	case OptTrustStore:
		return c.tls.trustStore, true
	case OptTrustStorePassword:
		return c.tls.trustStorePassword, true
	case OptTrustedCerts:
		return c.tls.TrustedCerts(), true
	case OptClientCert:
		return c.tls.clientCert, true
	case OptClientPrivateKey:
		return c.tls.clientPrivateKey, true
	case OptKeyStore:
		return c.tls.keyStore, true
	case OptKeyStorePassword:
		return c.tls.keyStorePassword, true
	case OptSSLProtocol:
		return c.tls.sslProtocol, true
	case OptSSLDebug:
		return c.tls.sslDebug, true
	default:
		return nil, false
	}
}

func setString(option string, value any, set func(string) error) error {
	s, err := toString(option, value)
	if err != nil {
		return err
	}
	return set(s)
}

func assignString(option string, value any, set func(string)) error {
	s, err := toString(option, value)
	if err != nil {
		return err
	}
	set(s)
	return nil
}
