package volc

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/asrproxy/domain/entities"
	"github.com/satriahrh/asrproxy/domain/repositories"
)

const (
	// ProviderName is the route name the provider is registered under
	ProviderName = "volc"

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultCloseTimeout     = 5 * time.Second
	defaultAudioQueueSize   = 64
	defaultMaxMessageSize   = 1 << 20
)

// Config holds upstream relay settings. Zero values fall back to defaults.
type Config struct {
	BidiEndpoint     string
	NoStreamEndpoint string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration
	AudioQueueSize   int
	MaxMessageSize   int64
	// FatalErrorCodes lists vendor error codes that end the session. Empty
	// means every vendor error is forwarded and the stream stays open.
	FatalErrorCodes []uint32
}

func (c Config) withDefaults() Config {
	if c.BidiEndpoint == "" {
		c.BidiEndpoint = DefaultBidiEndpoint
	}
	if c.NoStreamEndpoint == "" {
		c.NoStreamEndpoint = DefaultNoStreamEndpoint
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize = defaultAudioQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	return c
}

// Provider creates a Relay per session
type Provider struct {
	cfg     Config
	dialer  *websocket.Dialer
	fatal   map[uint32]struct{}
	metrics Metrics
	logger  *zap.Logger
}

// Ensure Provider implements the TranscriptionProvider interface
var _ repositories.TranscriptionProvider = (*Provider)(nil)

// NewProvider creates a provider. metrics may be nil.
func NewProvider(cfg Config, metrics Metrics, logger *zap.Logger) *Provider {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = nopMetrics{}
	}

	fatal := make(map[uint32]struct{}, len(cfg.FatalErrorCodes))
	for _, code := range cfg.FatalErrorCodes {
		fatal[code] = struct{}{}
	}

	return &Provider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		fatal:   fatal,
		metrics: metrics,
		logger:  logger,
	}
}

// Name implements repositories.TranscriptionProvider
func (p *Provider) Name() string {
	return ProviderName
}

// NewStream implements repositories.TranscriptionProvider
func (p *Provider) NewStream(session *entities.Session, observer repositories.TranscriptionObserver) (repositories.TranscriptionStream, error) {
	return p.NewRelay(session, observer)
}

// NewRelay binds a relay to the session. It fails with
// entities.ErrMissingCredentials before anything touches the network.
func (p *Provider) NewRelay(session *entities.Session, observer repositories.TranscriptionObserver) (*Relay, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	session.ResourceID = ResourceID(session.Options.ModelV2)

	return &Relay{
		session:  session,
		observer: observer,
		cfg:      p.cfg,
		dialer:   p.dialer,
		fatal:    p.fatal,
		metrics:  p.metrics,
		logger: p.logger.With(
			zap.String("connectID", session.ConnectID),
			zap.String("resourceID", session.ResourceID)),
		outbound: make(chan outbound, p.cfg.AudioQueueSize),
		done:     make(chan struct{}),
	}, nil
}

// Endpoint returns the vendor URL for the streaming mode
func (c Config) Endpoint(bidi bool) string {
	if bidi {
		return c.BidiEndpoint
	}
	return c.NoStreamEndpoint
}
