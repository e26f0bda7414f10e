//go:build !onnx

package main

import (
	"fmt"

	"github.com/becomeliminal/mnemo/config"
	"github.com/becomeliminal/mnemo/memory"
)

func newONNXEmbedder(config.ONNXConfig) (memory.Embedder, error) {
	return nil, fmt.Errorf("onnx embedder not compiled in (rebuild with -tags onnx)")
}
