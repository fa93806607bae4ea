package provider

import (
	"context"
	"reflect"
	"testing"

	"github.com/codeloom/codeloom/pkg/models"
)

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New(models.ProviderConfig{Name: "x", Kind: "mystery"}); err == nil {
		t.Error("Expected error for unknown provider kind")
	}
}

func TestFromConfigs(t *testing.T) {
	cfgs := []models.ProviderConfig{
		{Name: "openai", Kind: "openai", APIKey: "sk-test", Capabilities: []string{models.CapCodeGen}},
		{Name: "local", Kind: "ollama", Endpoint: "http://localhost:11434", Capabilities: []string{models.CapChat}},
	}
	r, err := FromConfigs(cfgs)
	if err != nil {
		t.Fatalf("FromConfigs: %v", err)
	}

	if got, want := r.Names(), []string{"openai", "local"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
	if got, want := r.Sorted(), []string{"local", "openai"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Sorted() = %v, want %v", got, want)
	}
	if !r.Get("openai").IsConfigured() {
		t.Error("openai adapter with key should be configured")
	}
}

func TestOllama_RejectsAttachments(t *testing.T) {
	a := newOllama(models.ProviderConfig{Name: "local", Kind: "ollama", Endpoint: "http://localhost:11434"})

	req := Request{
		Prompt:      "describe this",
		Attachments: []Attachment{{MIME: "image/png", Data: []byte{0x89}}},
	}
	if _, err := a.Execute(context.Background(), req); err == nil {
		t.Error("Execute with attachments should be rejected, not silently dropped")
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(newOpenAI(models.ProviderConfig{Name: "openai", Kind: "openai"}))
	r.Register(newOpenAI(models.ProviderConfig{Name: "openai", Kind: "openai", APIKey: "sk-test"}))

	if len(r.Names()) != 1 {
		t.Fatalf("Names() = %v, want exactly one entry", r.Names())
	}
	if !r.Get("openai").IsConfigured() {
		t.Error("replacement adapter should have won")
	}
}
