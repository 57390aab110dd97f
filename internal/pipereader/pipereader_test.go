package pipereader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestReadSingleCommand(t *testing.T) {
	src := bytes.NewBufferString("\x01hostA\x00")
	r := New(src, 64, logrus.New())
	cmds, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, []Command{{Tag: 1, Payload: "hostA"}}, cmds)
}

func TestReadSplitAcrossCalls(t *testing.T) {
	piece1 := bytes.NewBufferString("\x03msg/0/a_b_0/fi")
	r := New(piece1, 64, logrus.New())
	cmds, err := r.Read()
	require.NoError(t, err)
	require.Empty(t, cmds)

	piece2 := bytes.NewBufferString("le.dat\x00")
	r.r = piece2
	cmds, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, []Command{{Tag: 3, Payload: "msg/0/a_b_0/file.dat"}}, cmds)
}

func TestReadMultipleCommandsOneRead(t *testing.T) {
	src := bytes.NewBufferString("\x02a/b/c\x00\x05in/feed\x00")
	r := New(src, 64, logrus.New())
	cmds, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, []Command{
		{Tag: 2, Payload: "a/b/c"},
		{Tag: 5, Payload: "in/feed"},
	}, cmds)
}

func TestReadErrorResetsBuffer(t *testing.T) {
	r := New(&errorReader{}, 64, logrus.New())
	cmds, err := r.Read()
	require.Error(t, err)
	require.Nil(t, cmds)
	require.Equal(t, 0, r.tail)
}

func TestReadZeroBytesIsNoop(t *testing.T) {
	r := New(bytes.NewBuffer(nil), 64, logrus.New())
	cmds, err := r.Read()
	require.NoError(t, err)
	require.Nil(t, cmds)
}

type errorReader struct{}

func (e *errorReader) Read(p []byte) (int, error) {
	return 0, errors.New("boom")
}
