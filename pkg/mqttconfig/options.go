package mqttconfig

// Option names recognized by Set, Get and the FromMap constructors.
const (
	OptServerURI            = "serverURI"
	OptClientID             = "clientID"
	OptUserID               = "userID"
	OptPassword             = "password"
	OptAppConfigName        = "appConfigName"
	OptUserPropertyName     = "userPropertyName"
	OptPasswordPropertyName = "passwordPropertyName"
	OptKeepAliveInterval    = "keepAliveInterval"
	OptCommandTimeout       = "commandTimeout"
	OptReconnectionBound    = "reconnectionBound"
	OptPeriod               = "period"

	OptTrustStore         = "trustStore"
	OptTrustStorePassword = "trustStorePassword"
	OptTrustedCerts       = "trustedCerts"
	OptClientCert         = "clientCert"
	OptClientPrivateKey   = "clientPrivateKey"
	OptKeyStore           = "keyStore"
	OptKeyStorePassword   = "keyStorePassword"
	OptSSLProtocol        = "sslProtocol"
	OptSSLDebug           = "sslDebug"

	OptTopic              = "topic"
	OptTopicAttributeName = "topicAttributeName"
	OptTopics             = "topics"
	OptTopicOutAttrName   = "topicOutAttrName"
	OptDataAttributeName  = "dataAttributeName"
	OptQoS                = "qos"
	OptQoSAttributeName   = "qosAttributeName"
	OptRetain             = "retain"
	OptMessageQueueSize   = "messageQueueSize"
)

// Default values applied by the constructors.
const (
	DefaultKeepAliveSeconds  = 60
	DefaultCommandTimeout    = 0
	DefaultReconnectionBound = 5
	DefaultPeriodMillis      = 60000
	DefaultMessageQueueSize  = 50

	// InfiniteReconnection retries forever.
	InfiniteReconnection = -1
)
