package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"school_test_backend/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func nextMessage(t *testing.T, c *Client) received {
	t.Helper()
	select {
	case raw, ok := <-c.Send:
		require.True(t, ok, "send channel closed")
		var msg received
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	return received{}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected message: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func connect(h *TestHub, userID uint, role model.UserRole) *Client {
	c := h.newClient(nil, userID, role)
	h.register(c)
	return c
}

func TestTestHub_LocalRooms(t *testing.T) {
	h := NewTestHub(nil)
	ctx := context.Background()

	teacher := connect(h, 1, model.Teacher)
	student := connect(h, 2, model.Student)

	h.JoinTeacherRoom(teacher, 0)
	h.EmitToRoom(TeacherRoom(1), EventResultUpdated, map[string]int{"score": 80})

	msg := nextMessage(t, teacher)
	assert.Equal(t, EventResultUpdated, msg.Type)
	assert.JSONEq(t, `{"score":80}`, string(msg.Data))
	assertNoMessage(t, student)

	// 只能加入自己的教师房间
	h.JoinTeacherRoom(student, 1)
	msg = nextMessage(t, student)
	assert.Equal(t, EventError, msg.Type)
	h.JoinTeacherRoom(teacher, 3)
	assert.Equal(t, EventError, nextMessage(t, teacher).Type)

	h.handleMessage(student, WSMessage{Type: MsgJoinTest, Data: json.RawMessage(`{"testId":5}`)})
	msg = nextMessage(t, student)
	assert.Equal(t, EventUserOnline, msg.Type)
	var presence PresencePayload
	require.NoError(t, json.Unmarshal(msg.Data, &presence))
	assert.Equal(t, PresencePayload{UserID: 2, TestID: 5, IsOnline: true}, presence)

	online, err := h.OnlineUsers(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint{2}, online)

	h.handleMessage(student, WSMessage{Type: MsgJoinTest, Data: json.RawMessage(`{}`)})
	assert.Equal(t, EventError, nextMessage(t, student).Type)
	h.handleMessage(student, WSMessage{Type: "dance"})
	assert.Equal(t, EventError, nextMessage(t, student).Type)

	// 另一位观察者收到离线通知
	watcher := connect(h, 3, model.Teacher)
	h.JoinTest(watcher, 5)
	assert.Equal(t, EventUserOnline, nextMessage(t, watcher).Type)
	assert.Equal(t, EventUserOnline, nextMessage(t, student).Type)

	h.unregister(student)
	msg = nextMessage(t, watcher)
	assert.Equal(t, EventUserOffline, msg.Type)
	require.NoError(t, json.Unmarshal(msg.Data, &presence))
	assert.Equal(t, uint(2), presence.UserID)
	assert.False(t, presence.IsOnline)

	online, err = h.OnlineUsers(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint{3}, online)

	_, ok := <-student.Send
	assert.False(t, ok)

	h.Stop()
	_, ok = <-teacher.Send
	assert.False(t, ok)
}

func TestTestHub_SecondConnectionKeepsUserOnline(t *testing.T) {
	h := NewTestHub(nil)
	ctx := context.Background()

	watcher := connect(h, 1, model.Teacher)
	h.JoinTest(watcher, 8)
	assert.Equal(t, EventUserOnline, nextMessage(t, watcher).Type)

	tabA := connect(h, 2, model.Student)
	tabB := connect(h, 2, model.Student)
	h.JoinTest(tabA, 8)
	h.JoinTest(tabB, 8)
	for i := 0; i < 2; i++ {
		assert.Equal(t, EventUserOnline, nextMessage(t, watcher).Type)
	}

	h.unregister(tabA)
	assertNoMessage(t, watcher)
	online, err := h.OnlineUsers(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, online)

	h.unregister(tabB)
	msg := nextMessage(t, watcher)
	assert.Equal(t, EventUserOffline, msg.Type)
	var presence PresencePayload
	require.NoError(t, json.Unmarshal(msg.Data, &presence))
	assert.Equal(t, PresencePayload{UserID: 2, TestID: 8, IsOnline: false}, presence)

	online, err = h.OnlineUsers(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, []uint{1}, online)
}

func TestTestHub_RedisFanOutAndPresence(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewTestHub(rdb)
	go h.Run(ctx)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(eventsChannel)[eventsChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	student := connect(h, 7, model.Student)
	h.JoinTest(student, 11)
	assert.Equal(t, EventUserOnline, nextMessage(t, student).Type)

	members, err := mr.SMembers(onlineKey(11))
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, members)

	online, err := h.OnlineUsers(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, []uint{7}, online)

	// 其他实例发布的事件同样投递到本地房间
	other := NewTestHub(rdb)
	other.EmitToRoom(TestRoom(11), EventResultUpdated, map[string]uint{"testId": 11})
	assert.Equal(t, EventResultUpdated, nextMessage(t, student).Type)

	h.unregister(student)
	online, err = h.OnlineUsers(ctx, 11)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestTestHub_ServeWS(t *testing.T) {
	h := NewTestHub(nil)
	h.CheckOrigin = func(r *http.Request) bool {
		return r.Header.Get("Origin") != "http://evil.example"
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, 42, model.Teacher)
	}))
	defer srv.Close()
	defer h.Stop()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": MsgJoinTeacherRoom, "data": map[string]uint{"teacherId": 42}}))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.rooms[TeacherRoom(42)]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.EmitToRoom(TeacherRoom(42), EventResultUpdated, map[string]int{"score": 100})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventResultUpdated, msg.Type)
	assert.JSONEq(t, `{"score":100}`, string(msg.Data))
}
