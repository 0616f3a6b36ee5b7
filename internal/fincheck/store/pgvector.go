package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL 驱动
	"github.com/pgvector/pgvector-go"

	pgopts "github.com/kart-io/fincheck/pkg/options/postgres"
)

// PGVectorStore 基于 PostgreSQL pgvector 扩展的向量存储，每个集合一张表。
type PGVectorStore struct {
	db *sqlx.DB
}

// NewPGVectorStore 连接数据库并确保 vector 扩展存在。
func NewPGVectorStore(ctx context.Context, opts *pgopts.Options) (*PGVectorStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxIdleConns(opts.MaxIdleConnections)
	db.SetMaxOpenConns(opts.MaxOpenConnections)
	db.SetConnMaxLifetime(opts.MaxConnectionLifeTime)

	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	return &PGVectorStore{db: db}, nil
}

// NewPGVectorStoreWithDB 使用已有连接创建存储。
func NewPGVectorStoreWithDB(db *sqlx.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

// Name 返回后端名称。
func (s *PGVectorStore) Name() string {
	return "pgvector"
}

// CreateCollection 创建段落表。
func (s *PGVectorStore) CreateCollection(ctx context.Context, config *CollectionConfig) error {
	if err := ValidateCollectionName(config.Name); err != nil {
		return err
	}
	if config.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	passage_id  TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	ordinal     INTEGER NOT NULL,
	page        INTEGER NOT NULL,
	start_pos   INTEGER NOT NULL,
	end_pos     INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   vector(%d) NOT NULL
)`, config.Name, config.Dimension)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", config.Name, err)
	}
	return nil
}

// Insert 在一个事务中按 passage_id 批量写入段落，已存在的段落被覆盖。
func (s *PGVectorStore) Insert(ctx context.Context, collection string, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (passage_id, document_id, ordinal, page, start_pos, end_pos, content, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (passage_id) DO UPDATE SET
		   document_id = EXCLUDED.document_id,
		   ordinal     = EXCLUDED.ordinal,
		   page        = EXCLUDED.page,
		   start_pos   = EXCLUDED.start_pos,
		   end_pos     = EXCLUDED.end_pos,
		   content     = EXCLUDED.content,
		   embedding   = EXCLUDED.embedding`, collection))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.PassageID, r.DocumentID, r.Ordinal, r.Page, r.Start, r.End, r.Content,
			pgvector.NewVector(r.Embedding),
		); err != nil {
			return fmt.Errorf("failed to insert passage %s: %w", r.PassageID, err)
		}
	}
	return tx.Commit()
}

type pgRow struct {
	PassageID  string  `db:"passage_id"`
	DocumentID string  `db:"document_id"`
	Ordinal    int     `db:"ordinal"`
	Page       int     `db:"page"`
	Start      int     `db:"start_pos"`
	End        int     `db:"end_pos"`
	Content    string  `db:"content"`
	Score      float64 `db:"score"`
}

// Search 按余弦距离排序，分数为 1 - 距离。
func (s *PGVectorStore) Search(ctx context.Context, collection string, embedding []float32, topK int) ([]*SearchResult, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT passage_id, document_id, ordinal, page, start_pos, end_pos, content,
	1 - (embedding <=> $1) AS score
FROM %s
ORDER BY embedding <=> $1, ordinal
LIMIT $2`, collection)

	var rows []pgRow
	if err := s.db.SelectContext(ctx, &rows, query, pgvector.NewVector(embedding), topK); err != nil {
		return nil, fmt.Errorf("failed to search pgvector: %w", err)
	}

	out := make([]*SearchResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, &SearchResult{
			PassageID:  r.PassageID,
			DocumentID: r.DocumentID,
			Ordinal:    r.Ordinal,
			Page:       r.Page,
			Start:      r.Start,
			End:        r.End,
			Content:    r.Content,
			Score:      float32(r.Score),
		})
	}
	SortResults(out)
	return out, nil
}

// Count 返回表中记录数。
func (s *PGVectorStore) Count(ctx context.Context, collection string) (int64, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, fmt.Sprintf(`SELECT count(*) FROM %s`, collection)); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

// DropCollection 删除段落表。
func (s *PGVectorStore) DropCollection(ctx context.Context, collection string) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, collection)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", collection, err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *PGVectorStore) Close(_ context.Context) error {
	return s.db.Close()
}

var _ VectorStore = (*PGVectorStore)(nil)
