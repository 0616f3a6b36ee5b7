// Package milvus stores passage embeddings in per-session Milvus collections.
package milvus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	milvusopts "github.com/kart-io/fincheck/pkg/options/milvus"
)

// Column names of a passage collection.
const (
	FieldVector     = "embedding"
	FieldPassageID  = "passage_id"
	FieldDocumentID = "document_id"
	FieldOrdinal    = "ordinal"
	FieldPage       = "page"
	FieldStart      = "start_pos"
	FieldEnd        = "end_pos"
	FieldContent    = "content"
)

const (
	maxIDLen      = 64
	maxContentLen = 65535
)

var outputFields = []string{
	FieldPassageID, FieldDocumentID, FieldOrdinal, FieldPage, FieldStart, FieldEnd, FieldContent,
}

// PassageRow is one passage with its embedding.
type PassageRow struct {
	PassageID  string
	DocumentID string
	Ordinal    int64
	Page       int64
	Start      int64
	End        int64
	Content    string
	Vector     []float32
}

// PassageHit is a passage returned by a similarity search.
type PassageHit struct {
	PassageRow
	Score float32
}

// Client wraps the Milvus SDK client.
type Client struct {
	client *milvusclient.Client
	opts   *milvusopts.Options
}

// New connects to Milvus using the configured address and credentials.
func New(opts *milvusopts.Options) (*Client, error) {
	if opts == nil {
		return nil, fmt.Errorf("milvus options is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DBName:   opts.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", opts.Address, err)
	}
	return &Client{client: c, opts: opts}, nil
}

// Close closes the Milvus client connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// passageSchema builds the fixed passage schema for a collection of the given
// dimension. passage_id is the primary key so that rewrites replace rows.
func passageSchema(name, description string, dim int) *entity.Schema {
	varchar := func(field string, maxLen int64) *entity.Field {
		return entity.NewField().WithName(field).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxLen)
	}
	int64Field := func(field string) *entity.Field {
		return entity.NewField().WithName(field).WithDataType(entity.FieldTypeInt64)
	}

	return entity.NewSchema().
		WithName(name).
		WithDescription(description).
		WithAutoID(false).
		WithField(varchar(FieldPassageID, maxIDLen).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(FieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim))).
		WithField(varchar(FieldDocumentID, maxIDLen)).
		WithField(int64Field(FieldOrdinal)).
		WithField(int64Field(FieldPage)).
		WithField(int64Field(FieldStart)).
		WithField(int64Field(FieldEnd)).
		WithField(varchar(FieldContent, maxContentLen))
}

// EnsurePassageCollection creates, indexes and loads a cosine passage
// collection. An existing collection is left untouched.
func (c *Client) EnsurePassageCollection(ctx context.Context, name, description string, dim int) error {
	exists, err := c.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if exists {
		return nil
	}

	if err := c.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(name, passageSchema(name, description, dim))); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	idxTask, err := c.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(name, FieldVector, index.NewIvfFlatIndex(entity.COSINE, c.opts.NList)))
	if err != nil {
		return fmt.Errorf("failed to index collection %s: %w", name, err)
	}
	if err := idxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index on %s: %w", name, err)
	}

	loadTask, err := c.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return fmt.Errorf("failed to load collection %s: %w", name, err)
	}
	return loadTask.Await(ctx)
}

// passageColumns converts rows to column-based insert data.
func passageColumns(rows []PassageRow) ([]column.Column, error) {
	dim := len(rows[0].Vector)
	vectors := make([][]float32, len(rows))
	passageIDs := make([]string, len(rows))
	documentIDs := make([]string, len(rows))
	contents := make([]string, len(rows))
	ordinals := make([]int64, len(rows))
	pages := make([]int64, len(rows))
	starts := make([]int64, len(rows))
	ends := make([]int64, len(rows))

	for i, r := range rows {
		if len(r.Vector) != dim {
			return nil, fmt.Errorf("passage %s has dimension %d, want %d", r.PassageID, len(r.Vector), dim)
		}
		vectors[i] = r.Vector
		passageIDs[i] = r.PassageID
		documentIDs[i] = r.DocumentID
		contents[i] = r.Content
		ordinals[i] = r.Ordinal
		pages[i] = r.Page
		starts[i] = r.Start
		ends[i] = r.End
	}

	return []column.Column{
		column.NewColumnFloatVector(FieldVector, dim, vectors),
		column.NewColumnVarChar(FieldPassageID, passageIDs),
		column.NewColumnVarChar(FieldDocumentID, documentIDs),
		column.NewColumnInt64(FieldOrdinal, ordinals),
		column.NewColumnInt64(FieldPage, pages),
		column.NewColumnInt64(FieldStart, starts),
		column.NewColumnInt64(FieldEnd, ends),
		column.NewColumnVarChar(FieldContent, contents),
	}, nil
}

// InsertPassages upserts rows by passage_id and flushes so they are searchable
// immediately. Repeating a call after a failed flush does not duplicate rows.
func (c *Client) InsertPassages(ctx context.Context, collection string, rows []PassageRow) error {
	if len(rows) == 0 {
		return nil
	}
	columns, err := passageColumns(rows)
	if err != nil {
		return err
	}

	if _, err := c.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(collection, columns...)); err != nil {
		return fmt.Errorf("failed to upsert %d passages into %s: %w", len(rows), collection, err)
	}

	flushTask, err := c.client.Flush(ctx, milvusclient.NewFlushOption(collection))
	if err != nil {
		return fmt.Errorf("failed to flush %s: %w", collection, err)
	}
	return flushTask.Await(ctx)
}

// SearchPassages returns up to topK passages nearest to vector. Scores are cosine similarities.
func (c *Client) SearchPassages(ctx context.Context, collection string, vector []float32, topK int) ([]PassageHit, error) {
	opt := milvusclient.NewSearchOption(collection, topK, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(FieldVector).
		WithSearchParam("nprobe", strconv.Itoa(c.opts.NProbe)).
		WithOutputFields(outputFields...)

	results, err := c.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	if len(results) == 0 {
		return []PassageHit{}, nil
	}

	rs := results[0]
	hits := make([]PassageHit, rs.ResultCount)
	for i := range hits {
		hits[i].Score = rs.Scores[i]
	}
	for _, field := range rs.Fields {
		switch col := field.(type) {
		case *column.ColumnVarChar:
			for i := range hits {
				setString(&hits[i].PassageRow, col.Name(), col.Data()[i])
			}
		case *column.ColumnInt64:
			for i := range hits {
				setInt(&hits[i].PassageRow, col.Name(), col.Data()[i])
			}
		}
	}
	return hits, nil
}

func setString(r *PassageRow, field, v string) {
	switch field {
	case FieldPassageID:
		r.PassageID = v
	case FieldDocumentID:
		r.DocumentID = v
	case FieldContent:
		r.Content = v
	}
}

func setInt(r *PassageRow, field string, v int64) {
	switch field {
	case FieldOrdinal:
		r.Ordinal = v
	case FieldPage:
		r.Page = v
	case FieldStart:
		r.Start = v
	case FieldEnd:
		r.End = v
	}
}

// DropCollection drops a collection.
func (c *Client) DropCollection(ctx context.Context, collection string) error {
	if err := c.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(collection)); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", collection, err)
	}
	return nil
}

// RowCount returns the number of passages stored in a collection.
func (c *Client) RowCount(ctx context.Context, collection string) (int64, error) {
	stats, err := c.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(collection))
	if err != nil {
		return 0, fmt.Errorf("failed to get stats of %s: %w", collection, err)
	}
	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}
