package store

import (
	"context"
	"fmt"

	"github.com/kart-io/fincheck/pkg/component/milvus"
	finopts "github.com/kart-io/fincheck/pkg/options/fincheck"
	milvusopts "github.com/kart-io/fincheck/pkg/options/milvus"
	pgopts "github.com/kart-io/fincheck/pkg/options/postgres"
)

// New 根据后端名称创建向量存储。
func New(ctx context.Context, backend string, milvusOpts *milvusopts.Options, pgOpts *pgopts.Options) (VectorStore, error) {
	switch backend {
	case "", finopts.StoreMemory:
		return NewMemoryStore(), nil
	case finopts.StoreMilvus:
		client, err := milvus.New(milvusOpts)
		if err != nil {
			return nil, err
		}
		return NewMilvusStore(client), nil
	case finopts.StorePGVector:
		return NewPGVectorStore(ctx, pgOpts)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
