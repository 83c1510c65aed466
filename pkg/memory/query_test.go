package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedQueryEntries(t *testing.T, s *Service) {
	t.Helper()
	entries := []protocol.MemorySetRequest{
		{Key: "plans/q3", Value: "ship the mesh", Tags: []string{"planning", "q3"}},
		{Key: "plans/q4", Value: "harden the mesh", Tags: []string{"planning"}},
		{Key: "notes/standup", Value: "blocked on review", Tags: []string{"daily"}},
	}
	for i, req := range entries {
		author := "a1"
		if i == 2 {
			author = "a2"
		}
		_, err := s.Set("t1", "f1", author, &req)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct updated_at
	}
}

func TestQueryByTags(t *testing.T) {
	s, _, _ := newTestService(t)
	seedQueryEntries(t, s)

	got, total, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{Tags: []string{"planning"}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, got, 2)
}

func TestQueryByAuthor(t *testing.T) {
	s, _, _ := newTestService(t)
	seedQueryEntries(t, s)

	got, _, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{Author: "a2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "notes/standup", got[0].Key)
}

func TestQueryByText(t *testing.T) {
	s, _, _ := newTestService(t)
	seedQueryEntries(t, s)

	got, _, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{Text: "MESH"})
	require.NoError(t, err)
	assert.Len(t, got, 2, "text match is case-insensitive")
}

func TestQueryDefaultSortNewestFirst(t *testing.T) {
	s, _, _ := newTestService(t)
	seedQueryEntries(t, s)

	got, _, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "notes/standup", got[0].Key)
}

func TestQueryRelevanceRanking(t *testing.T) {
	s, _, _ := newTestService(t)
	seedQueryEntries(t, s)

	got, _, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{
		Tags: []string{"q3"},
		Sort: SortRelevance,
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "plans/q3", got[0].Key, "the tagged entry outranks the rest")
}

func TestQueryRejectsUnknownSort(t *testing.T) {
	s, _, _ := newTestService(t)
	_, _, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{Sort: "vibes"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsError(err).Code)
}

func TestQueryPaginationStable(t *testing.T) {
	s, _, _ := newTestService(t)
	for i := 0; i < 10; i++ {
		_, err := s.Set("t1", "f1", "a1", &protocol.MemorySetRequest{
			Key:   fmt.Sprintf("item/%02d", i),
			Value: "x",
		})
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for offset := 0; offset < 10; offset += 3 {
		page, total, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{
			Sort:   SortCreatedAt,
			Limit:  3,
			Offset: offset,
		})
		require.NoError(t, err)
		assert.Equal(t, 10, total)
		for _, e := range page {
			assert.False(t, seen[e.Key], "pages must not overlap: %s", e.Key)
			seen[e.Key] = true
		}
	}
	assert.Len(t, seen, 10)
}

func TestQueryOffsetBeyondEnd(t *testing.T) {
	s, _, _ := newTestService(t)
	seedQueryEntries(t, s)

	got, total, err := s.Query("t1", "f1", &protocol.MemoryQueryRequest{Offset: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, got)
}
