package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/core/protocol"
	"github.com/driftsync/driftsync/internal/core/realtime"
)

func startedSession(t *testing.T) (*Session, *Client, *fakeConn) {
	t.Helper()
	c, conn := connectedClient(t)

	config := DefaultSessionConfig()
	config.FlushInterval = 5 * time.Millisecond
	s := NewSession(c, config)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, c, conn
}

// pushWorld delivers an authoritative world snapshot the way the server
// would: as a set on the world key of the game state table.
func pushWorld(t *testing.T, conn *fakeConn, world realtime.WorldSnapshot) {
	t.Helper()
	raw, err := json.Marshal(world)
	require.NoError(t, err)

	update, err := protocol.NewUpdateMessage(protocol.Operation{
		Table: "game_state",
		Key:   "world",
		Value: raw,
		Kind:  protocol.OpSet,
		OpID:  protocol.GenerateOpID(),
	}, 1, protocol.NowMillis())
	require.NoError(t, err)
	conn.push(t, update)
}

func TestSessionStartSubscribes(t *testing.T) {
	_, _, conn := startedSession(t)

	require.Eventually(t, func() bool {
		for _, msg := range conn.sentMessages() {
			if msg.Type == protocol.MessageTypeSubscribe {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSessionBindsPredictorFromWorldSnapshot(t *testing.T) {
	s, c, conn := startedSession(t)

	pushWorld(t, conn, realtime.WorldSnapshot{
		Entities: []realtime.Entity{
			{ID: c.ID(), Position: realtime.Vec2{X: 42, Y: 7}},
			{ID: "remote", Position: realtime.Vec2{X: 1, Y: 1}},
		},
	})

	require.Eventually(t, func() bool {
		e, ok := s.Predictor().Entity()
		return ok && e.Position.X == 42
	}, time.Second, 5*time.Millisecond)
}

func TestSessionFlushSendsCoalescedInputs(t *testing.T) {
	s, c, conn := startedSession(t)

	pushWorld(t, conn, realtime.WorldSnapshot{
		Entities: []realtime.Entity{{ID: c.ID()}},
	})
	require.Eventually(t, func() bool {
		_, ok := s.Predictor().Entity()
		return ok
	}, time.Second, 5*time.Millisecond)

	s.Press(realtime.InputMove, realtime.DirectionForward)

	inputKey := "input:" + c.ID()
	require.Eventually(t, func() bool {
		for _, msg := range conn.sentMessages() {
			if msg.Type != protocol.MessageTypeOperation {
				continue
			}
			op, err := msg.DecodeOperation()
			if err != nil || op.Key != inputKey {
				continue
			}
			var batch []realtime.InputCommand
			if err := json.Unmarshal(op.Value, &batch); err != nil {
				continue
			}
			return len(batch) == 1 && batch[0].Kind == realtime.InputMove
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSessionFireBypassesFlushCadence(t *testing.T) {
	s, c, conn := startedSession(t)

	pushWorld(t, conn, realtime.WorldSnapshot{
		Entities: []realtime.Entity{{ID: c.ID()}},
	})
	require.Eventually(t, func() bool {
		_, ok := s.Predictor().Entity()
		return ok
	}, time.Second, 5*time.Millisecond)

	s.Fire()

	inputKey := "input:" + c.ID()
	found := false
	for _, msg := range conn.sentMessages() {
		if msg.Type != protocol.MessageTypeOperation {
			continue
		}
		op, err := msg.DecodeOperation()
		if err != nil || op.Key != inputKey {
			continue
		}
		var batch []realtime.InputCommand
		require.NoError(t, json.Unmarshal(op.Value, &batch))
		if len(batch) == 1 && batch[0].Kind == realtime.InputFire {
			found = true
		}
	}
	assert.True(t, found, "fire input was not sent immediately")
}

func TestSessionFrameDeliversInterpolatedView(t *testing.T) {
	s, c, conn := startedSession(t)

	pushWorld(t, conn, realtime.WorldSnapshot{
		Entities: []realtime.Entity{
			{ID: c.ID(), Position: realtime.Vec2{X: 10, Y: 10}},
			{ID: "remote", Position: realtime.Vec2{X: 20, Y: 20}},
		},
	})
	require.Eventually(t, func() bool {
		_, ok := s.Predictor().Entity()
		return ok
	}, time.Second, 5*time.Millisecond)

	views := make(chan realtime.WorldSnapshot, 1)
	s.OnGameState(func(view realtime.WorldSnapshot) {
		select {
		case views <- view:
		default:
		}
	})

	s.Frame(realtime.SimulationStep)

	select {
	case view := <-views:
		_, hasLocal := view.Entity(c.ID())
		_, hasRemote := view.Entity("remote")
		assert.True(t, hasLocal)
		assert.True(t, hasRemote)
	case <-time.After(time.Second):
		t.Fatal("game state callback not invoked")
	}
}

func TestSessionIgnoresUnrelatedKeys(t *testing.T) {
	s, _, conn := startedSession(t)

	update, err := protocol.NewUpdateMessage(protocol.Operation{
		Table: "game_state",
		Key:   "chat",
		Value: json.RawMessage(`"hello"`),
		Kind:  protocol.OpSet,
	}, 1, protocol.NowMillis())
	require.NoError(t, err)
	conn.push(t, update)

	time.Sleep(20 * time.Millisecond)
	_, bound := s.Predictor().Entity()
	assert.False(t, bound)
}
