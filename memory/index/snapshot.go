package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/becomeliminal/mnemo/core"
)

// Snapshot wire format, little-endian:
//
//	uint32  vector dimensions
//	uint32  row count
//	rows x  (uint16 id length, id bytes)
//	rows x  dimensions float32
//
// Row order matches index row order, so a decoded snapshot can be attached
// without touching the embedder.

const maxSnapshotDims = 1 << 14

// EncodeSnapshot serializes the conversation's current index for
// persistence. Returns false when the conversation has no index.
func (m *Manager) EncodeSnapshot(conversationID string) ([]byte, bool) {
	m.mu.RLock()
	snapshot := m.indexes[conversationID]
	m.mu.RUnlock()
	if snapshot == nil {
		return nil, false
	}
	data, err := encodeSnapshot(snapshot.messages, snapshot.vectors)
	if err != nil {
		log.Printf("[INDEX] failed to encode snapshot for %s: %v", conversationID, err)
		return nil, false
	}
	return data, true
}

// AttachSnapshot installs a previously encoded snapshot, provided it still
// matches the conversation: same vector size as the current embedder and the
// same id sequence as the currently eligible messages, in order. Any
// mismatch or decode failure reports false and the caller rebuilds from the
// embedder instead. Attaching never fails a startup.
func (m *Manager) AttachSnapshot(ctx context.Context, conversationID string, messages []core.Message, data []byte) bool {
	ids, vectors, err := decodeSnapshot(data)
	if err != nil {
		log.Printf("[INDEX] persisted snapshot for %s unusable: %v", conversationID, err)
		return false
	}
	if m.dims > 0 && len(vectors) > 0 && len(vectors[0]) != m.dims {
		return false
	}

	var eligible []core.Message
	for _, msg := range messages {
		if msg.Eligible() {
			eligible = append(eligible, msg)
		}
	}
	if len(eligible) != len(ids) {
		return false
	}
	for i := range eligible {
		if eligible[i].ID != ids[i] {
			return false
		}
	}
	if len(eligible) == 0 {
		m.Delete(conversationID)
		return true
	}

	search, err := m.newSearcher(ctx, conversationID, eligible, vectors)
	if err != nil {
		log.Printf("[INDEX] failed to attach snapshot for %s: %v", conversationID, err)
		return false
	}
	m.install(conversationID, &conversationIndex{messages: eligible, vectors: vectors, search: search})
	log.Printf("[INDEX] attached persisted index for %s: %d vectors", conversationID, len(eligible))
	return true
}

func encodeSnapshot(messages []core.Message, vectors [][]float32) ([]byte, error) {
	if len(messages) != len(vectors) {
		return nil, fmt.Errorf("row count mismatch: %d messages, %d vectors", len(messages), len(vectors))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(dim))
	binary.Write(buf, binary.LittleEndian, uint32(len(vectors)))
	for _, msg := range messages {
		id := []byte(msg.ID)
		if len(id) > math.MaxUint16 {
			return nil, fmt.Errorf("message id too long: %d bytes", len(id))
		}
		binary.Write(buf, binary.LittleEndian, uint16(len(id)))
		buf.Write(id)
	}
	for row, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("row %d has %d dimensions, want %d", row, len(vec), dim)
		}
		if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) ([]string, [][]float32, error) {
	r := bytes.NewReader(data)
	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if dim > maxSnapshotDims {
		return nil, nil, fmt.Errorf("implausible vector size %d", dim)
	}
	if count > 0 && dim == 0 {
		return nil, nil, fmt.Errorf("zero-dimensional vectors")
	}

	ids := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, nil, fmt.Errorf("read id %d: %w", i, err)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, nil, fmt.Errorf("read id %d: %w", i, err)
		}
		ids = append(ids, string(id))
	}

	vectors := make([][]float32, 0, count)
	for i := uint32(0); i < count; i++ {
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		vectors = append(vectors, vec)
	}
	if r.Len() != 0 {
		return nil, nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return ids, vectors, nil
}
