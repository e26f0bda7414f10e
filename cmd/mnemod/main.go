// mnemod is the memory-augmented chat daemon. It persists conversations,
// maintains a vector index per conversation and serves chat over HTTP and
// WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/becomeliminal/mnemo/config"
	"github.com/becomeliminal/mnemo/engine"
	"github.com/becomeliminal/mnemo/inference"
	"github.com/becomeliminal/mnemo/inference/anthropic"
	"github.com/becomeliminal/mnemo/inference/httpchat"
	openaichat "github.com/becomeliminal/mnemo/inference/openai"
	"github.com/becomeliminal/mnemo/memory"
	"github.com/becomeliminal/mnemo/memory/embedder/mock"
	"github.com/becomeliminal/mnemo/memory/embedder/ollama"
	openaiemb "github.com/becomeliminal/mnemo/memory/embedder/openai"
	"github.com/becomeliminal/mnemo/memory/index"
	"github.com/becomeliminal/mnemo/server"
	"github.com/becomeliminal/mnemo/store"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file (default ./mnemo.toml when present)")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		log.Fatalf("[MAIN] failed to open store: %v", err)
	}

	emb, err := buildEmbedder(cfg)
	if err != nil {
		st.Close()
		log.Fatalf("[MAIN] failed to build embedder: %v", err)
	}
	log.Printf("[MAIN] embedder: %s (%d dimensions)", cfg.Embedder.Backend, emb.Dimensions())

	cache, err := memory.NewEmbeddingCache(emb, st, cfg.Memory.CachePersistEvery)
	if err != nil {
		st.Close()
		log.Fatalf("[MAIN] failed to build embedding cache: %v", err)
	}

	kind := index.KindChromem
	if cfg.Memory.Index == "linear" {
		kind = index.KindLinear
	}
	indexes := index.NewManager(cache, kind, emb.Dimensions())

	mem := memory.NewManager(cache, indexes, st, &memory.Config{
		MaxRecentMessages:   cfg.Memory.MaxRecentMessages,
		RetrievalTopK:       cfg.Memory.RetrievalTopK,
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		CrossConversation:   cfg.Memory.CrossConversation,
		Persona:             cfg.Memory.Persona,
		CachePersistEvery:   cfg.Memory.CachePersistEvery,
	})

	svc, err := buildInference(cfg)
	if err != nil {
		st.Close()
		log.Fatalf("[MAIN] failed to build inference backend: %v", err)
	}
	log.Printf("[MAIN] inference: %s", cfg.Inference.Backend)

	eng := engine.New(st, mem, svc, engine.WithTemperature(cfg.Inference.Temperature))
	defer eng.Close()
	if closer, ok := emb.(io.Closer); ok {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.InitializeIndexes(ctx)

	srv := server.New(eng, server.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[MAIN] server error: %v", err)
	}
}

func buildEmbedder(cfg *config.Config) (memory.Embedder, error) {
	switch cfg.Embedder.Backend {
	case "mock":
		return mock.New(), nil
	case "onnx":
		return newONNXEmbedder(cfg.Embedder.ONNX)
	case "openai":
		return openaiemb.New(openaiemb.Config{
			APIKey:     cfg.Embedder.OpenAI.APIKey,
			Model:      cfg.Embedder.OpenAI.Model,
			Dimensions: cfg.Embedder.OpenAI.Dimensions,
			BaseURL:    cfg.Embedder.OpenAI.BaseURL,
		})
	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL:    cfg.Embedder.Ollama.BaseURL,
			Model:      cfg.Embedder.Ollama.Model,
			Dimensions: cfg.Embedder.Ollama.Dimensions,
			Timeout:    cfg.Embedder.Ollama.Timeout.Duration,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedder backend %q", cfg.Embedder.Backend)
	}
}

func buildInference(cfg *config.Config) (inference.Service, error) {
	switch cfg.Inference.Backend {
	case "httpchat":
		return httpchat.New(httpchat.Config{
			BaseURL: cfg.Inference.HTTPChat.BaseURL,
			Timeout: cfg.Inference.HTTPChat.Timeout.Duration,
		})
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:    cfg.Inference.Anthropic.APIKey,
			Model:     cfg.Inference.Anthropic.Model,
			MaxTokens: cfg.Inference.Anthropic.MaxTokens,
			BaseURL:   cfg.Inference.Anthropic.BaseURL,
		})
	case "openai":
		return openaichat.New(openaichat.Config{
			APIKey:  cfg.Inference.OpenAI.APIKey,
			Model:   cfg.Inference.OpenAI.Model,
			BaseURL: cfg.Inference.OpenAI.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Inference.Backend)
	}
}
