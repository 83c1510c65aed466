package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/types"
)

// Query sort orders.
const (
	SortCreatedAt   = "created_at"
	SortUpdatedAt   = "updated_at"
	SortAccessCount = "access_count"
	SortRelevance   = "relevance"
)

// Query filters, ranks, and pages the fleet's entries. Pagination is
// stable: identical queries see identical orderings.
func (s *Service) Query(tenantID, fleetID string, req *protocol.MemoryQueryRequest) ([]*types.MemoryEntry, int, error) {
	sortBy := req.Sort
	if sortBy == "" {
		sortBy = SortUpdatedAt
	}
	switch sortBy {
	case SortCreatedAt, SortUpdatedAt, SortAccessCount, SortRelevance:
	default:
		return nil, 0, protocol.NewError(protocol.CodeInvalidMessage, "invalid sort")
	}

	now := time.Now()
	var since time.Time
	if req.Since > 0 {
		since = time.UnixMilli(req.Since)
	}

	fm := s.fleet(tenantID, fleetID)
	fm.mu.Lock()
	var matched []*types.MemoryEntry
	for _, entry := range fm.entries {
		if entry.Expired(now) {
			continue
		}
		if len(req.Tags) > 0 && !tagsIntersect(req.Tags, entry.Tags) {
			continue
		}
		if req.Author != "" && entry.AuthorID != req.Author {
			continue
		}
		if !since.IsZero() && entry.UpdatedAt.Before(since) {
			continue
		}
		if req.Text != "" && relevance(entry, req.Tags, req.Text) == 0 && !containsFold(entry.Key, req.Text) && !containsFold(entry.Value, req.Text) {
			continue
		}
		snapshot := *entry
		matched = append(matched, &snapshot)
	}
	fm.mu.Unlock()

	sortEntries(matched, sortBy, req.Tags, req.Text)

	total := len(matched)
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// relevance is the documented deterministic ranking:
// 3 per query tag present on the entry, plus 2 if the key contains the
// query text and 1 if the value does, case-insensitive.
func relevance(e *types.MemoryEntry, queryTags []string, text string) int {
	score := 0
	for _, qt := range queryTags {
		for _, t := range e.Tags {
			if strings.EqualFold(qt, t) {
				score += 3
				break
			}
		}
	}
	if text != "" {
		if containsFold(e.Key, text) {
			score += 2
		}
		if containsFold(e.Value, text) {
			score++
		}
	}
	return score
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func sortEntries(entries []*types.MemoryEntry, sortBy string, queryTags []string, text string) {
	sort.Slice(entries, func(a, b int) bool {
		x, y := entries[a], entries[b]
		switch sortBy {
		case SortCreatedAt:
			if !x.CreatedAt.Equal(y.CreatedAt) {
				return x.CreatedAt.After(y.CreatedAt)
			}
		case SortUpdatedAt:
			if !x.UpdatedAt.Equal(y.UpdatedAt) {
				return x.UpdatedAt.After(y.UpdatedAt)
			}
		case SortAccessCount:
			if x.AccessCount != y.AccessCount {
				return x.AccessCount > y.AccessCount
			}
		case SortRelevance:
			rx, ry := relevance(x, queryTags, text), relevance(y, queryTags, text)
			if rx != ry {
				return rx > ry
			}
			if !x.UpdatedAt.Equal(y.UpdatedAt) {
				return x.UpdatedAt.After(y.UpdatedAt)
			}
		}
		return x.Key < y.Key
	})
}
