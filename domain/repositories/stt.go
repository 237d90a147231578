package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/asrproxy/domain"
	"github.com/satriahrh/asrproxy/domain/entities"
)

// ErrStreamClosed is returned when writing to a stream that has ended
var ErrStreamClosed = errors.New("transcription stream closed")

// TranscriptionObserver receives what an upstream stream produces
type TranscriptionObserver interface {
	// OnEvent is called for ready, partial, final and error events, in order
	OnEvent(event domain.Event)
	// OnClosed is called once when the upstream side ends the stream
	OnClosed(code int, reason string)
}

// TranscriptionStream is one upstream vendor connection bound to a session
type TranscriptionStream interface {
	// Open connects and performs the vendor handshake
	Open(ctx context.Context) error
	// SendAudio forwards a raw audio chunk
	SendAudio(ctx context.Context, data []byte) error
	// EndAudio tells the vendor no more audio follows
	EndAudio(ctx context.Context) error
	// Close ends the stream from the client side
	Close(code int, reason string) error
}

// TranscriptionProvider creates upstream streams for a vendor
type TranscriptionProvider interface {
	Name() string
	NewStream(session *entities.Session, observer TranscriptionObserver) (TranscriptionStream, error)
}

// ProviderRegistry maps a route name to its provider. It is built once at
// startup and passed to whatever needs it.
type ProviderRegistry map[string]TranscriptionProvider

// NewProviderRegistry indexes providers by Name
func NewProviderRegistry(providers ...TranscriptionProvider) ProviderRegistry {
	r := make(ProviderRegistry, len(providers))
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

// Get looks up a provider by name
func (r ProviderRegistry) Get(name string) (TranscriptionProvider, bool) {
	p, ok := r[name]
	return p, ok
}
