package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"school_test_backend/internal/model"
	"school_test_backend/pkg/logger"
	"school_test_backend/pkg/monitoring"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 64

	eventsChannel = "test_events"
)

// 推送事件
const (
	EventResultUpdated = "resultUpdated"
	EventUserOnline    = "userOnline"
	EventUserOffline   = "userOffline"
	EventError         = "error"
)

// 客户端消息
const (
	MsgJoinTeacherRoom = "joinTeacherRoom"
	MsgJoinTest        = "joinTest"
)

// Notifier 向房间推送事件，投递失败只记日志
type Notifier interface {
	EmitToRoom(room, event string, payload interface{})
}

func TeacherRoom(teacherID uint) string {
	return fmt.Sprintf("teacher_%d", teacherID)
}

func TestRoom(testID uint) string {
	return fmt.Sprintf("test_%d", testID)
}

func onlineKey(testID uint) string {
	return fmt.Sprintf("test:online:%d", testID)
}

type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outgoingMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type PubSubMessage struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

type PresencePayload struct {
	UserID   uint `json:"userId"`
	TestID   uint `json:"testId"`
	IsOnline bool `json:"isOnline"`
}

type Client struct {
	Hub     *TestHub
	Conn    *websocket.Conn
	Send    chan []byte
	UserID  uint
	Role    model.UserRole
	Limiter *rate.Limiter

	// 以下由 Hub.mu 保护
	rooms   map[string]struct{}
	testIDs map[uint]struct{}
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Warn("WebSocket unexpected close", zap.Error(err), zap.Uint("userId", c.UserID))
			}
			break
		}

		if !c.Limiter.Allow() {
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		monitoring.WSMessageCounter.WithLabelValues(msg.Type, "in").Inc()

		c.Hub.handleMessage(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// 每条消息单独一帧，客户端按帧解析 JSON
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TestHub 按房间管理 websocket 连接；启用 Redis 时经 test_events 频道跨实例广播
type TestHub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}

	Redis       *redis.Client
	CheckOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
}

func NewTestHub(rdb *redis.Client) *TestHub {
	h := &TestHub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		Redis:   rdb,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if h.CheckOrigin == nil {
				return true
			}
			return h.CheckOrigin(r)
		},
	}
	return h
}

// Run 订阅 Redis 频道并投递到本地房间，ctx 结束时返回；未启用 Redis 时仅等待 ctx
func (h *TestHub) Run(ctx context.Context) {
	if h.Redis == nil {
		<-ctx.Done()
		return
	}

	pubsub := h.Redis.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var psMsg PubSubMessage
			if err := json.Unmarshal([]byte(msg.Payload), &psMsg); err != nil {
				logger.Log.Error("PubSub unmarshal error", zap.Error(err))
				continue
			}
			h.deliverLocal(psMsg.Room, psMsg.Payload)
		}
	}
}

func (h *TestHub) ServeWS(w http.ResponseWriter, r *http.Request, userID uint, role model.UserRole) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", zap.Error(err), zap.Uint("userId", userID))
		return
	}
	client := h.newClient(conn, userID, role)
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *TestHub) newClient(conn *websocket.Conn, userID uint, role model.UserRole) *Client {
	return &Client{
		Hub:     h,
		Conn:    conn,
		Send:    make(chan []byte, sendBufferSize),
		UserID:  userID,
		Role:    role,
		Limiter: rate.NewLimiter(rate.Limit(10), 20),
		rooms:   make(map[string]struct{}),
		testIDs: make(map[uint]struct{}),
	}
}

func (h *TestHub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	monitoring.WSOnlineConnections.Inc()
}

// unregister 离开所有房间，用户在测试房间内已无连接时广播离线
func (h *TestHub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	testIDs := make([]uint, 0, len(c.testIDs))
	stillOnline := make(map[uint]bool, len(c.testIDs))
	for testID := range c.testIDs {
		testIDs = append(testIDs, testID)
		stillOnline[testID] = h.userInRoomLocked(c.UserID, TestRoom(testID))
	}
	close(c.Send)
	h.mu.Unlock()
	monitoring.WSOnlineConnections.Dec()

	// 同一用户仍有其他连接在房间内时保持在线
	for _, testID := range testIDs {
		if stillOnline[testID] {
			continue
		}
		h.removePresence(testID, c.UserID)
		h.EmitToRoom(TestRoom(testID), EventUserOffline, PresencePayload{
			UserID:   c.UserID,
			TestID:   testID,
			IsOnline: false,
		})
	}
}

func (h *TestHub) leaveLocked(c *Client, room string) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *TestHub) userInRoomLocked(userID uint, room string) bool {
	for member := range h.rooms[room] {
		if member.UserID == userID {
			return true
		}
	}
	return false
}

func (h *TestHub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *TestHub) handleMessage(c *Client, msg WSMessage) {
	switch msg.Type {
	case MsgJoinTeacherRoom:
		var data struct {
			TeacherID uint `json:"teacherId"`
		}
		_ = json.Unmarshal(msg.Data, &data)
		h.JoinTeacherRoom(c, data.TeacherID)
	case MsgJoinTest:
		var data struct {
			TestID uint `json:"testId"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.TestID == 0 {
			h.sendError(c, "testId is required")
			return
		}
		h.JoinTest(c, data.TestID)
	default:
		h.sendError(c, "unknown message type")
	}
}

// JoinTeacherRoom 只有教师本人可以订阅自己的成绩推送
func (h *TestHub) JoinTeacherRoom(c *Client, teacherID uint) {
	if c.Role != model.Teacher || (teacherID != 0 && teacherID != c.UserID) {
		h.sendError(c, "only the teacher can join their own room")
		return
	}
	h.join(c, TeacherRoom(c.UserID))
}

// JoinTest 用户身份取自令牌
func (h *TestHub) JoinTest(c *Client, testID uint) {
	h.join(c, TestRoom(testID))

	h.mu.Lock()
	c.testIDs[testID] = struct{}{}
	h.mu.Unlock()

	h.addPresence(testID, c.UserID)
	h.EmitToRoom(TestRoom(testID), EventUserOnline, PresencePayload{
		UserID:   c.UserID,
		TestID:   testID,
		IsOnline: true,
	})
}

func (h *TestHub) sendError(c *Client, message string) {
	payload, _ := json.Marshal(outgoingMessage{Type: EventError, Data: map[string]string{"message": message}})
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		select {
		case c.Send <- payload:
		default:
		}
	}
}

// EmitToRoom 实现 Notifier
func (h *TestHub) EmitToRoom(room, event string, payload interface{}) {
	data, err := json.Marshal(outgoingMessage{Type: event, Data: payload})
	if err != nil {
		logger.Log.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	monitoring.WSMessageCounter.WithLabelValues(event, "out").Inc()

	if h.Redis == nil {
		h.deliverLocal(room, data)
		return
	}

	psMsg, _ := json.Marshal(PubSubMessage{Room: room, Payload: data})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Redis.Publish(ctx, eventsChannel, psMsg).Err(); err != nil {
		logger.Log.Warn("Redis publish failed, delivering locally", zap.String("room", room), zap.Error(err))
		h.deliverLocal(room, data)
	}
}

func (h *TestHub) deliverLocal(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[room] {
		select {
		case client.Send <- payload:
		default:
			logger.Log.Warn("WebSocket send buffer full, dropping message",
				zap.Uint("userId", client.UserID),
				zap.String("room", room),
			)
		}
	}
}

func (h *TestHub) addPresence(testID, userID uint) {
	if h.Redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Redis.SAdd(ctx, onlineKey(testID), userID).Err(); err != nil {
		logger.Log.Warn("Failed to record presence", zap.Uint("testId", testID), zap.Error(err))
	}
}

func (h *TestHub) removePresence(testID, userID uint) {
	if h.Redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Redis.SRem(ctx, onlineKey(testID), userID).Err(); err != nil {
		logger.Log.Warn("Failed to clear presence", zap.Uint("testId", testID), zap.Error(err))
	}
}

// OnlineUsers 启用 Redis 时读集合，否则读本地房间成员
func (h *TestHub) OnlineUsers(ctx context.Context, testID uint) ([]uint, error) {
	if h.Redis == nil {
		h.mu.RLock()
		seen := make(map[uint]struct{})
		for member := range h.rooms[TestRoom(testID)] {
			seen[member.UserID] = struct{}{}
		}
		h.mu.RUnlock()

		ids := make([]uint, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, nil
	}

	members, err := h.Redis.SMembers(ctx, onlineKey(testID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Stop 关闭所有连接并清理本实例记录的在线状态
func (h *TestHub) Stop() {
	logger.Log.Info("TestHub stopping: closing connections")

	type presence struct{ testID, userID uint }
	var cleared []presence

	h.mu.Lock()
	for client := range h.clients {
		for testID := range client.testIDs {
			cleared = append(cleared, presence{testID, client.UserID})
		}
		close(client.Send)
		delete(h.clients, client)
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, p := range cleared {
		h.removePresence(p.testID, p.userID)
	}
	monitoring.WSOnlineConnections.Set(0)
	logger.Log.Info("TestHub stopped", zap.Int("clearedPresence", len(cleared)))
}
