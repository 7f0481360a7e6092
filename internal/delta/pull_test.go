package delta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/rammingen/internal/protocol"
)

type fakeFetcher struct {
	pages [][]protocol.EntryWire
	calls int
}

func (f *fakeFetcher) GetEntries(ctx context.Context, after int64, limit int) (*protocol.GetEntriesResponse, error) {
	if f.calls >= len(f.pages) {
		return &protocol.GetEntriesResponse{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return &protocol.GetEntriesResponse{Entries: page}, nil
}

func TestPullConsumer_StreamAll_SinglePage(t *testing.T) {
	fetcher := &fakeFetcher{pages: [][]protocol.EntryWire{
		{{ID: 1, UpdateNumber: 1}, {ID: 2, UpdateNumber: 2}},
	}}
	consumer := NewPullConsumer(fetcher, 10)

	entries, err := consumer.StreamAll(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(2), entries[1].UpdateNumber)
}

func TestPullConsumer_StreamAll_PagesUntilShortPage(t *testing.T) {
	fetcher := &fakeFetcher{pages: [][]protocol.EntryWire{
		{{ID: 1, UpdateNumber: 1}, {ID: 2, UpdateNumber: 2}},
		{{ID: 3, UpdateNumber: 3}},
	}}
	consumer := NewPullConsumer(fetcher, 2)

	entries, err := consumer.StreamAll(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, 2, fetcher.calls)
}

func TestPullConsumer_StreamAll_Empty(t *testing.T) {
	fetcher := &fakeFetcher{}
	consumer := NewPullConsumer(fetcher, 10)

	entries, err := consumer.StreamAll(context.Background(), 42)
	require.NoError(t, err)
	require.Empty(t, entries)
}
