package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, doc Document, vec []float32) {
	t.Helper()
	require.NoError(t, s.UpsertDocument(context.Background(), doc, vec))
}

func TestUpsertDocument_ReplacesByChunkID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed(t, s, Document{Content: "v1", Status: StatusPublished, ChunkID: "c1", PayloadID: "p1"}, []float32{1, 0})
	seed(t, s, Document{Content: "v2", Status: StatusDraft, ChunkID: "c1", PayloadID: "p1"}, []float32{0, 1})

	docs, err := s.AllDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "v2", docs[0].Content)
	assert.Equal(t, StatusDraft, docs[0].Status)
}

func TestVectorSearch_RanksBySimilarity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed(t, s, Document{Content: "exact", Status: StatusPublished, ChunkID: "a", PayloadID: "p"}, []float32{1, 0, 0})
	seed(t, s, Document{Content: "near", Status: StatusPublished, ChunkID: "b", PayloadID: "p"}, []float32{0.9, 0.1, 0})
	seed(t, s, Document{Content: "far", Status: StatusPublished, ChunkID: "c", PayloadID: "p"}, []float32{0, 0, 1})

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact", hits[0].Content)
	assert.Equal(t, "near", hits[1].Content)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)
}

func TestVectorSearch_IncludesDrafts(t *testing.T) {
	s := testStore(t)

	seed(t, s, Document{Content: "draft doc", Status: StatusDraft, ChunkID: "d", PayloadID: "p"}, []float32{1, 0})

	hits, err := s.VectorSearch(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, StatusDraft, hits[0].Status)
}

func TestParentChunks_OnlyNonSynthetic(t *testing.T) {
	s := testStore(t)

	seed(t, s, Document{Content: "parent", Status: StatusPublished, ChunkID: "p1", PayloadID: "x"}, []float32{1, 0})
	seed(t, s, Document{Content: "synthetic q", Status: StatusPublished, ChunkID: "q1",
		IsSynthetic: true, ParentChunkID: "p1", PayloadID: "x"}, []float32{0, 1})

	parents, err := s.ParentChunks(context.Background())
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, "parent", parents["p1"].Content)
}

func TestDocumentMetadataRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed(t, s, Document{
		Content: "body", Status: StatusPublished, ChunkID: "m1", PayloadID: "pay",
		IsSynthetic: true, ParentChunkID: "par",
		Extra: map[string]string{"title": "Block Time"},
	}, []float32{1})

	docs, err := s.AllDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].IsSynthetic)
	assert.Equal(t, "par", docs[0].ParentChunkID)
	assert.Equal(t, "Block Time", docs[0].Extra["title"])
}

func TestSemanticCache_LookupThreshold(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SemanticPut(ctx, "what is block time", "about a minute",
		`[{"page_content":"..."}]`, []float32{1, 0}, time.Hour))

	// Identical vector hits.
	entry, found, err := s.SemanticLookup(ctx, []float32{1, 0}, 0.90)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "about a minute", entry.Answer)
	assert.InDelta(t, 1.0, entry.Similarity, 1e-6)

	// Orthogonal vector misses.
	_, found, err = s.SemanticLookup(ctx, []float32{0, 1}, 0.90)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSemanticCache_ExpiredEntriesIgnored(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SemanticPut(ctx, "q", "a", "[]", []float32{1, 0}, -time.Minute))

	_, found, err := s.SemanticLookup(ctx, []float32{1, 0}, 0.5)
	require.NoError(t, err)
	assert.False(t, found)

	n, err := s.PurgeExpiredSemantic(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSemanticCache_BestMatchWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SemanticPut(ctx, "q1", "close", "[]", []float32{0.9, 0.1}, time.Hour))
	require.NoError(t, s.SemanticPut(ctx, "q2", "closest", "[]", []float32{1, 0}, time.Hour))

	entry, found, err := s.SemanticLookup(ctx, []float32{1, 0}, 0.5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "closest", entry.Answer)
}

func TestClearSemantic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SemanticPut(ctx, "q", "a", "[]", []float32{1}, time.Hour))
	require.NoError(t, s.ClearSemantic(ctx))

	_, found, err := s.SemanticLookup(ctx, []float32{1}, 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0, sim, 1e-9)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Zero(t, sim)
}

func TestCountDocuments(t *testing.T) {
	s := testStore(t)

	n, err := s.CountDocuments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	seed(t, s, Document{Content: "x", Status: StatusPublished, ChunkID: "c", PayloadID: "p"}, nil)
	n, err = s.CountDocuments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
