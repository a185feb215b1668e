package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoundRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutRoundEntry(4, "QmPeerA", []byte("payload-a")))
	require.NoError(t, s.PutRoundEntry(4, "QmPeerB", []byte("payload-b")))
	require.NoError(t, s.PutRoundEntry(5, "QmPeerA", []byte("payload-next")))

	record, err := s.GetRoundRecord(4)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{
		"QmPeerA": []byte("payload-a"),
		"QmPeerB": []byte("payload-b"),
	}, record)
}

func TestRoundRecordLastWriterWins(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutRoundEntry(1, "QmPeer", []byte("first")))
	require.NoError(t, s.PutRoundEntry(1, "QmPeer", []byte("second")))

	record, err := s.GetRoundRecord(1)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), record["QmPeer"])
}

func TestGetRoundRecordAbsent(t *testing.T) {
	s := newTestStore(t)

	record, err := s.GetRoundRecord(99)
	require.NoError(t, err)
	require.Empty(t, record)
}

func TestPruneRounds(t *testing.T) {
	s := newTestStore(t)

	for round := int64(0); round < 5; round++ {
		require.NoError(t, s.PutRoundEntry(round, "QmPeer", []byte("x")))
	}
	require.NoError(t, s.PruneRounds(3))

	for round := int64(0); round < 3; round++ {
		record, err := s.GetRoundRecord(round)
		require.NoError(t, err)
		require.Empty(t, record, "round %d should be pruned", round)
	}
	for round := int64(3); round < 5; round++ {
		record, err := s.GetRoundRecord(round)
		require.NoError(t, err)
		require.Len(t, record, 1, "round %d should survive", round)
	}
}

func TestSubmissions(t *testing.T) {
	s := newTestStore(t)

	submitted, err := s.WasSubmitted(7)
	require.NoError(t, err)
	require.False(t, submitted)

	rec := SubmissionRecord{
		Round:       7,
		Stage:       0,
		Reward:      42,
		Winner:      "QmWinner",
		SubmittedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.MarkSubmitted(rec))

	submitted, err = s.WasSubmitted(7)
	require.NoError(t, err)
	require.True(t, submitted)

	records, err := s.Submissions()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.Round, records[0].Round)
	require.Equal(t, rec.Reward, records[0].Reward)
	require.Equal(t, rec.Winner, records[0].Winner)
}

func TestSubmissionsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.MarkSubmitted(SubmissionRecord{Round: 3, Reward: 1, SubmittedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	submitted, err := s.WasSubmitted(3)
	require.NoError(t, err)
	require.True(t, submitted)
}
