//go:build onnx

package main

import (
	"github.com/becomeliminal/mnemo/config"
	"github.com/becomeliminal/mnemo/memory"
	"github.com/becomeliminal/mnemo/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.ONNXConfig) (memory.Embedder, error) {
	return onnx.New(onnx.Config{
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		LibraryPath:   cfg.LibraryPath,
		Dimensions:    cfg.Dimensions,
	})
}
