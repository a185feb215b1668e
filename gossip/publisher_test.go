package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtruong1909/rl-swarm/codec"
)

type fakeOracle struct {
	round, stage int64
	err          error
	calls        int
}

func (f *fakeOracle) GetRoundAndStage(context.Context) (int64, int64, error) {
	f.calls++
	if f.err != nil {
		return 0, 0, f.err
	}
	return f.round, f.stage, nil
}

type fakeStore struct {
	records map[int64]map[string][]byte
	err     error
}

func (f *fakeStore) GetRoundRecord(round int64) (map[string][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[round], nil
}

type captureSink struct {
	messages []*Message
	err      error
}

func (c *captureSink) PutGossip(_ context.Context, msg *Message) error {
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func mathPayload(question, answer, dataset string) codec.Payload {
	return codec.Payload{
		WorldState: codec.WorldState{
			EnvironmentStates: codec.Map{
				{Key: codec.String("question"), Value: codec.String(question)},
				{Key: codec.String("metadata"), Value: codec.Map{
					{Key: codec.String("source_dataset"), Value: codec.String(dataset)},
				}},
			},
			OpponentStates: codec.None{},
			PersonalStates: codec.None{},
		},
		Actions:  codec.List{codec.String(answer)},
		Metadata: codec.None{},
	}
}

func encodeEntry(t *testing.T, payloads ...codec.Payload) []byte {
	t.Helper()
	list := make(codec.List, len(payloads))
	for i, p := range payloads {
		list[i] = p
	}
	entry := codec.Map{{Key: codec.String("question_id"), Value: list}}
	b, err := codec.Encode(entry)
	require.NoError(t, err)
	return b
}

func newTestPublisher(oracle Oracle, store RoundStore, sink Sink, seed int64) *Publisher {
	return NewPublisher(oracle, store, sink,
		WithRandSource(rand.NewSource(seed)),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
}

func TestConcreteScenario(t *testing.T) {
	oracle := &fakeOracle{round: 2, stage: 0}
	store := &fakeStore{records: map[int64]map[string][]byte{
		2: {"p1": encodeEntry(t, mathPayload("2+2?", "4", "math"))},
	}}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 1)
	p.pollOnce(context.Background())

	require.Len(t, sink.messages, 1)
	msg := sink.messages[0]
	require.Equal(t, "gossip", msg.Type)
	require.Len(t, msg.Data, 1)
	require.Equal(t, "2+2?...4", msg.Data[0].Message)
	require.Equal(t, "math", msg.Data[0].Dataset)
	require.Equal(t, "p1", msg.Data[0].PeerID)
	require.NotEmpty(t, msg.Data[0].PeerName)
	require.NotEmpty(t, msg.Data[0].ID)

	round, stage := p.Cursor()
	require.Equal(t, int64(2), round)
	require.Equal(t, int64(0), stage)
	require.False(t, p.LastPolled().IsZero())
}

func TestOracleFailureSkipsCycle(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("contract call failed")}
	store := &fakeStore{}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 1)
	p.pollOnce(context.Background())

	require.Empty(t, sink.messages)
	// Oracle failure is "unknown", not "unchanged": no cursor movement, no
	// poll timestamp.
	round, stage := p.Cursor()
	require.Equal(t, int64(-1), round)
	require.Equal(t, int64(-1), stage)
	require.True(t, p.LastPolled().IsZero())
}

func TestAbsentRoundRecordNoPublish(t *testing.T) {
	oracle := &fakeOracle{round: 5}
	store := &fakeStore{records: map[int64]map[string][]byte{}}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 1)
	p.pollOnce(context.Background())

	require.Empty(t, sink.messages)
	require.False(t, p.LastPolled().IsZero())
}

func TestBatchCap(t *testing.T) {
	// 500 decodable payloads across 10 peers must never publish more than
	// the cap.
	record := make(map[string][]byte)
	for peerNum := 0; peerNum < 10; peerNum++ {
		payloads := make([]codec.Payload, 50)
		for i := range payloads {
			payloads[i] = mathPayload(fmt.Sprintf("q-%d-%d", peerNum, i), "a", "math")
		}
		record[fmt.Sprintf("peer-%d", peerNum)] = encodeEntry(t, payloads...)
	}

	oracle := &fakeOracle{round: 1}
	store := &fakeStore{records: map[int64]map[string][]byte{1: record}}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 7)
	p.pollOnce(context.Background())

	require.Len(t, sink.messages, 1)
	require.Len(t, sink.messages[0].Data, DefaultMaxPerBatch)

	// A different seed samples a different subset.
	sink2 := &captureSink{}
	p2 := newTestPublisher(&fakeOracle{round: 1}, store, sink2, 8)
	p2.pollOnce(context.Background())

	ids := func(msg *Message) []string {
		out := make([]string, len(msg.Data))
		for i, d := range msg.Data {
			out[i] = d.ID
		}
		return out
	}
	require.NotEqual(t, ids(sink.messages[0]), ids(sink2.messages[0]))
}

func TestPartialDecodeResilience(t *testing.T) {
	good := encodeEntry(t, mathPayload("ok?", "yes", "math"))
	record := map[string][]byte{
		"peer-good-1": good,
		"peer-bad":    good[:len(good)-3], // truncated
		"peer-good-2": encodeEntry(t, mathPayload("fine?", "sure", "math")),
	}

	oracle := &fakeOracle{round: 3}
	store := &fakeStore{records: map[int64]map[string][]byte{3: record}}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 1)
	p.pollOnce(context.Background())

	require.Len(t, sink.messages, 1)
	peers := make(map[string]bool)
	for _, d := range sink.messages[0].Data {
		peers[d.PeerID] = true
	}
	require.True(t, peers["peer-good-1"])
	require.True(t, peers["peer-good-2"])
	require.False(t, peers["peer-bad"])
}

func TestPayloadWithoutActions(t *testing.T) {
	payload := mathPayload("lonely?", "unused", "math")
	payload.Actions = codec.List{}

	oracle := &fakeOracle{round: 1}
	store := &fakeStore{records: map[int64]map[string][]byte{
		1: {"p1": encodeEntry(t, payload)},
	}}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 1)
	p.pollOnce(context.Background())

	require.Len(t, sink.messages, 1)
	require.Equal(t, "lonely?...", sink.messages[0].Data[0].Message)
}

func TestPayloadWithoutDatasetStillPublished(t *testing.T) {
	payload := codec.Payload{
		WorldState: codec.WorldState{
			EnvironmentStates: codec.Map{
				{Key: codec.String("question"), Value: codec.String("q?")},
			},
			OpponentStates: codec.None{},
			PersonalStates: codec.None{},
		},
		Actions:  codec.List{codec.String("a")},
		Metadata: codec.None{},
	}

	oracle := &fakeOracle{round: 1}
	store := &fakeStore{records: map[int64]map[string][]byte{
		1: {"p1": encodeEntry(t, payload)},
	}}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 1)
	p.pollOnce(context.Background())

	require.Len(t, sink.messages, 1)
	require.Equal(t, "q?...a", sink.messages[0].Data[0].Message)
	require.Empty(t, sink.messages[0].Data[0].Dataset)
}

func TestSinkFailureDoesNotNotify(t *testing.T) {
	oracle := &fakeOracle{round: 2}
	store := &fakeStore{records: map[int64]map[string][]byte{
		2: {"p1": encodeEntry(t, mathPayload("2+2?", "4", "math"))},
	}}
	sink := &captureSink{err: errors.New("stream down")}

	p := newTestPublisher(oracle, store, sink, 1)
	notified := false
	p.OnPublish = func(*Message) { notified = true }
	p.pollOnce(context.Background())

	require.False(t, notified)
}

func TestCursorRefreshOnDecrease(t *testing.T) {
	// The pipeline observes the cursor in either direction; a decrease is
	// a refresh trigger, not an error.
	oracle := &fakeOracle{round: 9}
	store := &fakeStore{records: map[int64]map[string][]byte{}}
	sink := &captureSink{}

	p := newTestPublisher(oracle, store, sink, 1)
	p.pollOnce(context.Background())
	oracle.round = 4
	p.pollOnce(context.Background())

	round, _ := p.Cursor()
	require.Equal(t, int64(4), round)
}

func TestStartStop(t *testing.T) {
	oracle := &fakeOracle{round: 1}
	store := &fakeStore{records: map[int64]map[string][]byte{}}
	sink := &captureSink{}

	p := NewPublisher(oracle, store, sink, WithPollInterval(10*time.Millisecond))
	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	// At least the immediate first poll plus some ticks.
	require.GreaterOrEqual(t, oracle.calls, 2)
}
