package utils

import (
	"context"
	"fmt"

	"github.com/Perceptus-Labs/perceptus-vrc-agent/config"
	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeIndex is the memory.VectorIndex backed by a Pinecone namespace.
type PineconeIndex struct {
	conn *pinecone.IndexConnection
}

func NewPineconeIndex(ctx context.Context, cfg config.MemoryConfig) (*PineconeIndex, error) {
	if cfg.PineconeIndex == "" {
		return nil, fmt.Errorf("pinecone index name is not set")
	}
	if cfg.PineconeAPIKey == "" {
		return nil, fmt.Errorf("pinecone api key is not set")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.PineconeAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(ctx, cfg.PineconeIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", cfg.PineconeIndex, err)
	}

	conn, err := client.Index(pinecone.NewIndexConnParams{Host: idx.Host, Namespace: cfg.PineconeNamespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create IndexConnection for Host %v: %w", idx.Host, err)
	}
	return &PineconeIndex{conn: conn}, nil
}

func (p *PineconeIndex) Upsert(ctx context.Context, id string, values []float32, metadata map[string]interface{}) error {
	meta, err := structpb.NewStruct(metadata)
	if err != nil {
		return fmt.Errorf("failed to build metadata: %w", err)
	}
	_, err = p.conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   values,
		Metadata: meta,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

// Query returns the string value of field for the topK nearest vectors.
func (p *PineconeIndex) Query(ctx context.Context, values []float32, topK int, field string) ([]string, error) {
	queryResponse, err := p.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          values,
		TopK:            uint32(topK),
		IncludeValues:   false,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("error querying Pinecone index: %w", err)
	}

	var matches []string
	for _, match := range queryResponse.Matches {
		if match.Vector == nil || match.Vector.Metadata == nil {
			continue
		}
		if value, ok := match.Vector.Metadata.Fields[field]; ok {
			if s := value.GetStringValue(); s != "" {
				matches = append(matches, s)
			}
		}
	}
	return matches, nil
}

func (p *PineconeIndex) Delete(ctx context.Context, ids []string) error {
	if err := p.conn.DeleteVectorsById(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (p *PineconeIndex) Close() error {
	return p.conn.Close()
}
