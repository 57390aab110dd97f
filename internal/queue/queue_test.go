package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distfd/fdcore/internal/layout"
	"github.com/distfd/fdcore/internal/shm"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "msg_queue")
	region, err := shm.Open(path, RecSize, layout.CurrentVersion)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })
	return New(region)
}

func TestAppendGetRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	e := Entry{
		MsgName:        "5a/0/6012a_0001_0/data.bin",
		MsgNumber:      12345.5,
		Pos:            3,
		Pid:            Pending,
		FilesToSend:    3,
		FileSizeToSend: 30000,
	}
	q.Append(e)
	require.Equal(t, 1, q.Len())
	require.Equal(t, e, q.Get(0))
}

func TestRemoveAtCompacts(t *testing.T) {
	q := newTestQueue(t)
	names := []string{"a", "b", "c"}
	for _, n := range names {
		q.Append(Entry{MsgName: n, Pid: Pending})
	}
	q.RemoveAt(1)
	require.Equal(t, 2, q.Len())
	require.Equal(t, "a", q.Get(0).MsgName)
	require.Equal(t, "c", q.Get(1).MsgName)
}

func TestForEachReverseRemovesMatches(t *testing.T) {
	q := newTestQueue(t)
	q.Append(Entry{MsgName: "hostA-1"})
	q.Append(Entry{MsgName: "hostB-1"})
	q.Append(Entry{MsgName: "hostA-2"})

	q.ForEachReverse(func(i int, e Entry) bool {
		return e.MsgName == "hostA-1" || e.MsgName == "hostA-2"
	})

	require.Equal(t, 1, q.Len())
	require.Equal(t, "hostB-1", q.Get(0).MsgName)
}

func TestFixupPositionsSkipsFetchJobs(t *testing.T) {
	q := newTestQueue(t)
	q.Append(Entry{MsgName: "send", Pos: 5})
	q.Append(Entry{MsgName: "fetch", Pos: 5, SpecialFlag: FetchJob})

	q.FixupPositions(2)

	require.EqualValues(t, 4, q.Get(0).Pos)
	require.EqualValues(t, 5, q.Get(1).Pos)
}
