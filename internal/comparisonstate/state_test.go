package comparisonstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertReplacesNotAppends(t *testing.T) {
	s := New()
	s.Upsert(Record{ID: "h1", Status: StatusNew})
	s.Upsert(Record{ID: "h1", Status: StatusPassed})
	s.Upsert(Record{ID: "h1", Status: StatusFailed})

	all := s.All()
	require.Len(t, all, 1)
	require.Equal(t, StatusFailed, all[0].Status)
}

func TestUpsertPreservesFirstSeenOrder(t *testing.T) {
	s := New()
	s.Upsert(Record{ID: "b", Status: StatusNew})
	s.Upsert(Record{ID: "a", Status: StatusNew})
	s.Upsert(Record{ID: "b", Status: StatusPassed})

	all := s.All()
	require.Len(t, all, 2)
	require.Equal(t, "b", all[0].ID)
	require.Equal(t, "a", all[1].ID)
}

func TestResultsSummaryIsRecomputed(t *testing.T) {
	s := New()
	s.Upsert(Record{ID: "1", Status: StatusPassed})
	s.Upsert(Record{ID: "2", Status: StatusFailed})
	s.Upsert(Record{ID: "3", Status: StatusNew})
	s.Upsert(Record{ID: "4", Status: StatusError})

	sum := s.GetResults()
	require.Equal(t, 4, sum.Total)
	require.Equal(t, 1, sum.Passed)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.New)
	require.Equal(t, 1, sum.Errors)

	s.Upsert(Record{ID: "2", Status: StatusPassed})
	sum = s.GetResults()
	require.Equal(t, 2, sum.Passed)
	require.Equal(t, 0, sum.Failed)
}

func TestGetFailedAndGetNew(t *testing.T) {
	s := New()
	s.Upsert(Record{ID: "1", Status: StatusFailed})
	s.Upsert(Record{ID: "2", Status: StatusNew})
	s.Upsert(Record{ID: "3", Status: StatusFailed})

	require.Len(t, s.GetFailed(), 2)
	require.Len(t, s.GetNew(), 1)
}

func TestClearEmptiesState(t *testing.T) {
	s := New()
	s.Upsert(Record{ID: "1", Status: StatusPassed})
	s.Clear()
	require.Empty(t, s.All())
	_, ok := s.Get("1")
	require.False(t, ok)
}
