package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// scriptedPoller returns one scripted batch per poll, then empties.
type scriptedPoller struct {
	batches [][]*kgo.Record
	polls   int
}

func (s *scriptedPoller) PollBatch(ctx context.Context, maxN int, timeout time.Duration) ([]*kgo.Record, error) {
	s.polls++
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func batchOf(n int) []*kgo.Record {
	records := make([]*kgo.Record, n)
	for i := range records {
		records[i] = &kgo.Record{Value: []byte{byte(i)}}
	}
	return records
}

func TestPollLoopStopAfterN(t *testing.T) {
	poller := &scriptedPoller{batches: [][]*kgo.Record{batchOf(3), batchOf(3), batchOf(3)}}
	var handled int
	natural, err := PollLoop(context.Background(), poller, PollLoopOptions{
		Handler: func(ctx context.Context, batch []*kgo.Record) error {
			handled += len(batch)
			return nil
		},
		StopAfterN: 5,
		NoMsgSleep: time.Millisecond,
		Timeout:    time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, natural)
	// Whole batches are handled, so the loop may overshoot StopAfterN.
	assert.Equal(t, 6, handled)
}

func TestPollLoopStopAfterEmptyPolls(t *testing.T) {
	poller := &scriptedPoller{batches: [][]*kgo.Record{batchOf(2)}}
	natural, err := PollLoop(context.Background(), poller, PollLoopOptions{
		StopAfterEmptyPolls: 3,
		NoMsgSleep:          time.Millisecond,
		Timeout:             time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, natural)
	// One non-empty poll plus three consecutive empty ones.
	assert.Equal(t, 4, poller.polls)
}

func TestPollLoopEmptyCounterResetsOnMessages(t *testing.T) {
	poller := &scriptedPoller{batches: [][]*kgo.Record{nil, nil, batchOf(1), nil, nil, nil}}
	natural, err := PollLoop(context.Background(), poller, PollLoopOptions{
		StopAfterEmptyPolls: 3,
		NoMsgSleep:          time.Millisecond,
		Timeout:             time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, natural)
	assert.Equal(t, 6, poller.polls)
}

func TestPollLoopDie(t *testing.T) {
	poller := &scriptedPoller{batches: [][]*kgo.Record{batchOf(1), batchOf(1), batchOf(1)}}
	pipe := NewControlPipe()
	pipe.Die()

	natural, err := PollLoop(context.Background(), poller, PollLoopOptions{
		Control:    pipe,
		NoMsgSleep: time.Millisecond,
		Timeout:    time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, natural)
	assert.Equal(t, 1, poller.polls)
}

func TestPollLoopHeartbeats(t *testing.T) {
	poller := &scriptedPoller{batches: [][]*kgo.Record{batchOf(2), batchOf(3)}}
	pipe := NewControlPipe()

	natural, err := PollLoop(context.Background(), poller, PollLoopOptions{
		Control:    pipe,
		StopAfterN: 5,
		NoMsgSleep: time.Millisecond,
		Timeout:    time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, natural)

	var beats []Heartbeat
	for {
		select {
		case hb := <-pipe.Heartbeats():
			beats = append(beats, hb)
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, beats)
	last := beats[len(beats)-1]
	assert.True(t, last.OK)
	assert.Equal(t, 5, last.NConsumed)
}

func TestPollLoopHandlerErrorAborts(t *testing.T) {
	poller := &scriptedPoller{batches: [][]*kgo.Record{batchOf(1)}}
	_, err := PollLoop(context.Background(), poller, PollLoopOptions{
		Handler: func(ctx context.Context, batch []*kgo.Record) error {
			return assert.AnError
		},
		NoMsgSleep: time.Millisecond,
		Timeout:    time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPollLoopStopAfterDuration(t *testing.T) {
	poller := &scriptedPoller{}
	start := time.Now()
	natural, err := PollLoop(context.Background(), poller, PollLoopOptions{
		StopAfter:  20 * time.Millisecond,
		NoMsgSleep: time.Millisecond,
		Timeout:    time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, natural)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
