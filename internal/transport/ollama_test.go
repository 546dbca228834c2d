package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

func TestGenerateNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateLine{Response: "Hello world", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(nil)
	resp, err := c.Generate(context.Background(), GenerateRequest{InstanceAddress: srv.URL, Model: "llama3", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Content != "Hello world" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestGenerateStreamOrdersChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(generateLine{Response: "Hel", Done: false})
		enc.Encode(generateLine{Response: "lo", Done: false})
		enc.Encode(generateLine{Response: " world", Done: false})
		enc.Encode(generateLine{Response: "", Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(nil)
	chunks, errs, err := c.GenerateStream(context.Background(), GenerateRequest{InstanceAddress: srv.URL, Model: "llama3", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	var got []dispatchcore.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	want := []string{"Hel", "lo", " world", ""}
	if len(got) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %+v", len(got), got)
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("chunk %d: want %q, got %q", i, w, got[i].Text)
		}
	}
	if !got[3].IsFinal {
		t.Error("expected last chunk to be final")
	}
	for _, c := range got[:3] {
		if c.IsFinal {
			t.Error("expected only the last chunk to be final")
		}
	}
}

func TestListModelsMapsCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tagsResponse{Models: []struct {
			Name       string `json:"name"`
			ModifiedAt string `json:"modified_at"`
			Size       int64  `json:"size"`
			Digest     string `json:"digest"`
			Details    struct {
				Family            string `json:"family"`
				ParameterSize     string `json:"parameter_size"`
				QuantizationLevel string `json:"quantization_level"`
			} `json:"details"`
		}{
			{Name: "llama3", Digest: "abc"},
		}})
	}))
	defer srv.Close()

	c := NewOllamaClient(nil)
	models, err := c.ListModels(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].Name != "llama3" {
		t.Errorf("unexpected models: %+v", models)
	}
}

func Test5xxMapsToBackendTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllamaClient(nil)
	_, err := c.Generate(context.Background(), GenerateRequest{InstanceAddress: srv.URL, Model: "m", Prompt: "p"})
	if dispatchcore.KindOf(err) != dispatchcore.ErrBackendTransient {
		t.Fatalf("expected BackendTransient, got %v", err)
	}
}

func Test4xxMapsToBackendPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOllamaClient(nil)
	_, err := c.Generate(context.Background(), GenerateRequest{InstanceAddress: srv.URL, Model: "m", Prompt: "p"})
	if dispatchcore.KindOf(err) != dispatchcore.ErrBackendPermanent {
		t.Fatalf("expected BackendPermanent, got %v", err)
	}
}
