package msgname

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseWithFileName(t *testing.T) {
	n, err := Parse("5a/0/6012a_0001_0/data.bin")
	require.NoError(t, err)
	require.EqualValues(t, 0x5a, n.JobID)
	require.EqualValues(t, 0, n.DirNum)
	require.EqualValues(t, 0x6012a, n.InputTime)
	require.EqualValues(t, 1, n.UniqueNumber)
	require.EqualValues(t, 0, n.SplitCounter)
	require.Equal(t, "data.bin", n.FileName)
}

func TestParseWithoutFileName(t *testing.T) {
	n, err := Parse("deadbeef/3/ff_1_2")
	require.NoError(t, err)
	require.EqualValues(t, 0xdeadbeef, n.JobID)
	require.Equal(t, "", n.FileName)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not-a-message-name")
	require.Error(t, err)

	_, err = Parse("5a/0/badtoken/data.bin")
	require.Error(t, err)
}

func TestStringRoundTrip(t *testing.T) {
	n, err := Parse("5a/0/6012a_0001_0/data.bin")
	require.NoError(t, err)
	require.Equal(t, "5a/0/6012a_1_0/data.bin", n.String())
}

func TestStagingDir(t *testing.T) {
	n, err := Parse("5a/0/6012a_0001_0/data.bin")
	require.NoError(t, err)
	require.Equal(t, "5a/0/6012a_1_0", n.StagingDir())
}
