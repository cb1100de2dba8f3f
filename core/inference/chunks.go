// Package inference specializes the marketplace for AI model weight chunks
// and routes inference jobs to compute-capable peers.
package inference

import (
	"context"
	"encoding/json"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
)

const chunkIndexPrefix = "model-chunk-index"

// ChunkAnnouncement advertises one hosted model chunk.
type ChunkAnnouncement struct {
	ModelID   string    `json:"model_id"`
	ChunkID   string    `json:"chunk_id"`
	ContentID string    `json:"content_id,omitempty"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

type chunkIndex struct {
	ModelID string              `json:"model_id"`
	Chunks  []ChunkAnnouncement `json:"chunks"`
}

// AnnounceChunk publishes a chunk announcement to the DHT and appends it to
// the per-model index. Re-announcing an existing chunk id replaces the index
// entry instead of duplicating it.
func (s *Service) AnnounceChunk(ctx context.Context, ann ChunkAnnouncement, priv libp2pcrypto.PrivKey) (*ChunkAnnouncement, error) {
	if ann.ModelID == "" {
		return nil, errs.Validation("model id is required")
	}
	if ann.ChunkID == "" {
		return nil, errs.Validation("chunk id is required")
	}
	if ann.Provider == "" {
		return nil, errs.Validation("provider did is required")
	}
	if priv == nil {
		return nil, errs.Validation("provider key is required")
	}
	ann.CreatedAt = s.clock.Now().UTC()

	value, err := json.Marshal(ann)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "encode chunk announcement", err)
	}
	if _, err := s.dht.Put(ctx, "model-chunk:"+ann.ModelID+":"+ann.ChunkID, value, ann.Provider, priv, 0); err != nil {
		return nil, err
	}

	var index chunkIndex
	if err := s.store.Read(chunkIndexPrefix+"/"+ann.ModelID, &index); err != nil {
		if !errs.IsNotFound(err) {
			return nil, err
		}
		index = chunkIndex{ModelID: ann.ModelID}
	}
	replaced := false
	for i := range index.Chunks {
		if index.Chunks[i].ChunkID == ann.ChunkID {
			index.Chunks[i] = ann
			replaced = true
			break
		}
	}
	if !replaced {
		index.Chunks = append(index.Chunks, ann)
	}
	if err := s.store.Write(chunkIndexPrefix+"/"+ann.ModelID, &index); err != nil {
		return nil, err
	}

	s.logger.Debug("model chunk announced", "model", ann.ModelID, "chunk", ann.ChunkID)
	return &ann, nil
}

// FindModelChunks returns the announced chunks for a model from the index,
// without scanning the DHT. An unknown model yields an empty slice.
func (s *Service) FindModelChunks(modelID string) ([]ChunkAnnouncement, error) {
	var index chunkIndex
	if err := s.store.Read(chunkIndexPrefix+"/"+modelID, &index); err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return index.Chunks, nil
}

// ChunkContentID computes the content id for raw chunk bytes.
func ChunkContentID(data []byte) (string, error) {
	id, err := crypto.ContentID(data)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
