package repositories

import (
	"testing"

	"github.com/satriahrh/asrproxy/domain/entities"
)

type namedProvider string

func (p namedProvider) Name() string { return string(p) }

func (p namedProvider) NewStream(*entities.Session, TranscriptionObserver) (TranscriptionStream, error) {
	return nil, nil
}

func TestProviderRegistry(t *testing.T) {
	r := NewProviderRegistry(namedProvider("volc"), namedProvider("other"))

	if len(r) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(r))
	}

	p, ok := r.Get("volc")
	if !ok || p.Name() != "volc" {
		t.Errorf("Expected volc provider, got %v %v", p, ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Expected lookup of unknown provider to fail")
	}
}
