package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// phoenixServer speaks just enough of the channel protocol to exercise the
// realtime client: it acknowledges joins, leaves and heartbeats and lets the
// test push change frames.
type phoenixServer struct {
	mu         sync.Mutex
	conns      []*websocket.Conn
	queries    []url.Values
	joins      []Frame
	leaves     []string
	heartbeats int
	rejectJoin bool
}

func (s *phoenixServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.queries = append(s.queries, r.URL.Query())
	s.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		status := "ok"
		s.mu.Lock()
		switch f.Event {
		case phxJoin:
			s.joins = append(s.joins, f)
			if s.rejectJoin {
				status = "error"
			}
		case phxLeave:
			s.leaves = append(s.leaves, f.Topic)
		case phxHeartbeat:
			s.heartbeats++
		}
		s.mu.Unlock()
		s.write(conn, Frame{Topic: f.Topic, Event: phxReply, Ref: f.Ref,
			Payload: json.RawMessage(`{"status":"` + status + `","response":{}}`)})
	}
}

func (s *phoenixServer) write(conn *websocket.Conn, f Frame) {
	data, _ := json.Marshal(f)
	conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *phoenixServer) push(topic string, ev ChangeEvent) {
	payload, _ := json.Marshal(map[string]any{"data": ev})
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(conn, Frame{Topic: topic, Event: phxChanges, Payload: payload})
}

func (s *phoenixServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (s *phoenixServer) joinFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.joins...)
}

func (s *phoenixServer) leaveTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.leaves...)
}

func newRealtimeTest(t *testing.T, cfg *RealtimeConfig) (*RealtimeClient, *phoenixServer) {
	t.Helper()
	ps := &phoenixServer{}
	srv := httptest.NewServer(ps)
	t.Cleanup(srv.Close)

	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	if cfg.TokenSource == nil {
		cfg.TokenSource = func() string { return "user-jwt" }
	}
	cfg.AutoReconnect = true
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.ReplyTimeout = 2 * time.Second

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + realtimePath
	rt := NewRealtimeClient(wsURL, "anon-key", cfg)
	t.Cleanup(func() { rt.Close() })
	return rt, ps
}

type joinConfig struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token"`
}

func TestRealtimeSubscribe(t *testing.T) {
	rt, ps := newRealtimeTest(t, nil)
	events := make(chan ChangeEvent, 4)

	filter := Eq("conversation_id", "c1")
	sub, err := rt.Subscribe(context.Background(), Scope{Table: TableMessages, Operation: OpAny, Filter: &filter}, func(ev ChangeEvent) {
		events <- ev
	})
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, rt.State())

	ps.mu.Lock()
	query := ps.queries[0]
	ps.mu.Unlock()
	assert.Equal(t, "anon-key", query.Get("apikey"))
	assert.Equal(t, "1.0.0", query.Get("vsn"))

	joins := ps.joinFrames()
	require.Len(t, joins, 1)
	topic := joins[0].Topic
	assert.True(t, strings.HasPrefix(topic, "realtime:public:messages:conversation_id=eq.c1#"))

	var jc joinConfig
	require.NoError(t, json.Unmarshal(joins[0].Payload, &jc))
	assert.Equal(t, "user-jwt", jc.AccessToken)
	require.Len(t, jc.Config.PostgresChanges, 1)
	assert.Equal(t, changeFilter{Event: "*", Schema: "public", Table: "messages", Filter: "conversation_id=eq.c1"}, jc.Config.PostgresChanges[0])

	t.Run("delivers changes", func(t *testing.T) {
		ps.push(topic, insertEvent(TableMessages, msg("m1", "c1", "u2", 1)))
		select {
		case ev := <-events:
			assert.Equal(t, OpInsert, ev.Operation)
			var m Message
			require.NoError(t, ev.Decode(&m))
			assert.Equal(t, "m1", m.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("no change delivered")
		}
	})

	t.Run("unsubscribe leaves the channel", func(t *testing.T) {
		require.NoError(t, rt.Unsubscribe(context.Background(), sub))
		assert.Eventually(t, func() bool { return len(ps.leaveTopics()) == 1 }, time.Second, 10*time.Millisecond)
		assert.Equal(t, topic, ps.leaveTopics()[0])

		ps.push(topic, insertEvent(TableMessages, msg("m2", "c1", "u2", 2)))
		select {
		case ev := <-events:
			t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
		case <-time.After(100 * time.Millisecond):
		}
		assert.NoError(t, rt.Unsubscribe(context.Background(), sub))
	})
}

func TestRealtimeJoinRejected(t *testing.T) {
	rt, ps := newRealtimeTest(t, nil)
	ps.mu.Lock()
	ps.rejectJoin = true
	ps.mu.Unlock()

	_, err := rt.Subscribe(context.Background(), Scope{Table: TableProfiles, Operation: OpUpdate}, func(ChangeEvent) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error")

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.channels)
}

func TestRealtimeReconnectRejoins(t *testing.T) {
	rt, ps := newRealtimeTest(t, nil)
	var (
		mu     sync.Mutex
		states []RealtimeState
	)
	rt.OnStateChange(func(s RealtimeState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	var rejoined atomic.Int32
	rt.OnReconnect(func() { rejoined.Add(1) })

	events := make(chan ChangeEvent, 1)
	_, err := rt.Subscribe(context.Background(), Scope{Table: TableConversations, Operation: OpAny}, func(ev ChangeEvent) { events <- ev })
	require.NoError(t, err)
	topic := ps.joinFrames()[0].Topic

	ps.dropConnections()
	require.Eventually(t, func() bool { return len(ps.joinFrames()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, topic, ps.joinFrames()[1].Topic)
	assert.Eventually(t, func() bool { return rt.State() == ConnConnected }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return rejoined.Load() == 1 }, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, states, ConnReconnecting)
	mu.Unlock()

	ps.push(topic, updateEvent(TableConversations, conv("c1", 5)))
	select {
	case ev := <-events:
		assert.Equal(t, TableConversations, ev.Table)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered after reconnect")
	}
}

func TestRealtimeHeartbeat(t *testing.T) {
	rt, ps := newRealtimeTest(t, &RealtimeConfig{HeartbeatInterval: 20 * time.Millisecond})
	require.NoError(t, rt.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return ps.heartbeats >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ConnConnected, rt.State())
}

func TestRealtimeCloseIsQuiet(t *testing.T) {
	rt, _ := newRealtimeTest(t, nil)
	require.NoError(t, rt.Connect(context.Background()))
	rt.Close()
	assert.Equal(t, ConnDisconnected, rt.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ConnDisconnected, rt.State(), "no reconnect after an intentional close")
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})
	first := r.nextDelay()
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 151*time.Millisecond)
	r.nextDelay()
	assert.LessOrEqual(t, r.nextDelay(), time.Second)
	assert.False(t, r.shouldReconnect())

	infinite := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1})
	infinite.attempt = 1000
	assert.True(t, infinite.shouldReconnect())
}
