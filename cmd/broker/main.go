// The broker is the realtime half of chatline. It terminates WebSocket
// connections, tracks presence in Redis, routes room-scoped events through
// NATS so multiple broker instances stay consistent, and pushes typed events
// to every connection that joined the matching room.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatline/chatline/internal/messaging"
	"github.com/chatline/chatline/internal/metrics"
	"github.com/chatline/chatline/internal/presence"
	"github.com/chatline/chatline/internal/protocol"
	"github.com/chatline/chatline/internal/ratelimit"
	"github.com/chatline/chatline/internal/room"
	"github.com/chatline/chatline/internal/ws"
)

// userRoomPrefix keys per-user rooms in the registry, separating them from
// conversation rooms which are keyed by bare conversation ID.
const userRoomPrefix = "user:"

// snapshotInterval is the cadence of periodic presence snapshot broadcasts.
// Snapshots are additionally broadcast on every user connect and disconnect,
// so the ticker only covers drift (e.g., a broker that missed a refresh).
const snapshotInterval = 30 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	config := ws.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.Name = "chatline-broker"
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "broker-1"
	}

	presenceStore, err := presence.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(presenceStore.Client())
	rooms := room.NewRegistry()

	log.Printf("Chatline broker starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Declare server early so closures can capture it.
	var server *ws.Server

	// relayToRoom fans a wire-ready event out to the room's local members.
	// Self-echo filtering is not done here: events carry the sender's user ID
	// and clients ignore their own, so one code path serves both local and
	// cross-broker delivery.
	relayToRoom := func(roomID string, data []byte) {
		start := time.Now()
		members := rooms.Members(roomID)
		for _, connID := range members {
			if err := server.SendMessage(connID, data); err != nil {
				log.Printf("[relay] send to conn=%s failed: %v", connID, err)
			}
		}
		if len(members) > 0 {
			metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
			if event, _, err := protocol.ParseServerEvent(data); err == nil {
				metrics.EventsRelayed.WithLabelValues(event).Add(float64(len(members)))
			}
		}
	}

	// broadcastSnapshot sends the authoritative full presence set to every
	// local connection. Every snapshot is a total replacement on the client.
	broadcastSnapshot := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		users, err := presenceStore.Snapshot(ctx)
		if err != nil {
			log.Printf("[presence] snapshot failed: %v", err)
			return
		}
		metrics.OnlineUsers.Set(float64(len(users)))

		data, err := protocol.NewEvent(protocol.EventUsersOnline, protocol.UsersOnlineEvent{
			Users: users,
		})
		if err != nil {
			log.Printf("[presence] encode snapshot: %v", err)
			return
		}

		conns := server.Connections()
		conns.Broadcast(data)
		metrics.EventsRelayed.WithLabelValues(protocol.EventUsersOnline).Add(float64(conns.Count()))
	}

	dispatcher := ws.NewEventDispatcher(nil)

	// -----------------------------------------------------------------------
	// join — bind the connection to a user and join the personal room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.EventJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinEvent)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleJoin); !allowed {
			log.Printf("[join] rate limited conn=%s", conn.ID)
			return
		}

		// A connection speaks for exactly one user; re-binding is rejected.
		if !conn.SetUser(joinMsg.UserID) {
			log.Printf("[join] conn=%s already bound to user=%s, rejecting bind to %s",
				conn.ID, conn.UserID(), joinMsg.UserID)
			return
		}

		if err := presenceStore.Identify(ctx, conn.ID, joinMsg.UserID); err != nil {
			log.Printf("[join] identify conn=%s: %v", conn.ID, err)
		}

		roomID := userRoomPrefix + joinMsg.UserID
		if first := rooms.Join(roomID, conn.ID); first {
			userID := joinMsg.UserID
			if err := natsClient.SubscribeUser(userID, func(data []byte) {
				relayToRoom(userRoomPrefix+userID, data)
			}); err != nil {
				log.Printf("[join] subscribe user=%s: %v", userID, err)
			}
		}
		metrics.RoomsTotal.Set(float64(rooms.Count()))

		// The user may have just come online; every broker rebroadcasts.
		if err := natsClient.PublishPresenceRefresh(); err != nil {
			log.Printf("[join] presence refresh publish: %v", err)
		}

		log.Printf("join user=%s conn=%s", joinMsg.UserID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// join_conversation — join a conversation room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.EventJoinConversation, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinConversationEvent)
		if !ok {
			return
		}
		if conn.UserID() == "" {
			log.Printf("[join_conversation] conn=%s has no user binding", conn.ID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleJoin); !allowed {
			log.Printf("[join_conversation] rate limited conn=%s", conn.ID)
			return
		}

		convID := joinMsg.ConversationID
		if first := rooms.Join(convID, conn.ID); first {
			if err := natsClient.SubscribeRoom(convID, func(data []byte) {
				relayToRoom(convID, data)
			}); err != nil {
				log.Printf("[join_conversation] subscribe room=%s: %v", convID, err)
			}
		}
		metrics.RoomsTotal.Set(float64(rooms.Count()))

		log.Printf("join_conversation conv=%s user=%s conn=%s", convID, conn.UserID(), conn.ID)
	})

	// -----------------------------------------------------------------------
	// leave_conversation — explicit leave so membership never goes stale
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.EventLeaveConversation, func(conn *ws.Connection, msg interface{}) {
		leaveMsg, ok := msg.(protocol.LeaveConversationEvent)
		if !ok {
			return
		}

		convID := leaveMsg.ConversationID
		if emptied := rooms.Leave(convID, conn.ID); emptied {
			if err := natsClient.UnsubscribeRoom(convID); err != nil {
				log.Printf("[leave_conversation] unsubscribe room=%s: %v", convID, err)
			}
		}
		metrics.RoomsTotal.Set(float64(rooms.Count()))

		log.Printf("leave_conversation conv=%s conn=%s", convID, conn.ID)
	})

	// -----------------------------------------------------------------------
	// typing / stop_typing — relay through NATS to the conversation room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.EventTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingEvent)
		if !ok {
			return
		}
		if !rooms.Contains(typingMsg.ConversationID, conn.ID) {
			log.Printf("[typing] conn=%s not in room=%s", conn.ID, typingMsg.ConversationID)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleTyping); !allowed {
			return
		}
		metrics.TypingEvents.WithLabelValues("start").Inc()

		data, err := protocol.NewEvent(protocol.EventUserTyping, protocol.UserTypingEvent{
			UserID:   typingMsg.UserID,
			Username: typingMsg.Username,
		})
		if err != nil {
			log.Printf("[typing] encode: %v", err)
			return
		}
		if err := natsClient.PublishToRoom(typingMsg.ConversationID, data); err != nil {
			log.Printf("[typing] publish room=%s: %v", typingMsg.ConversationID, err)
		}
	})

	dispatcher.Register(protocol.EventStopTyping, func(conn *ws.Connection, msg interface{}) {
		stopMsg, ok := msg.(protocol.StopTypingEvent)
		if !ok {
			return
		}
		if !rooms.Contains(stopMsg.ConversationID, conn.ID) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if allowed, _ := limiter.Allow(ctx, conn.ID, ratelimit.RuleTyping); !allowed {
			return
		}
		metrics.TypingEvents.WithLabelValues("stop").Inc()

		data, err := protocol.NewEvent(protocol.EventUserStoppedTyping, protocol.UserStoppedTypingEvent{
			UserID: stopMsg.UserID,
		})
		if err != nil {
			log.Printf("[stop_typing] encode: %v", err)
			return
		}
		if err := natsClient.PublishToRoom(stopMsg.ConversationID, data); err != nil {
			log.Printf("[stop_typing] publish room=%s: %v", stopMsg.ConversationID, err)
		}
	})

	server = ws.NewServer(config, presenceStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Disconnect cleanup: drop the connection from its rooms, tear down
	// fan-out subscriptions for rooms left empty, and rebroadcast presence if
	// the user's last connection went away. The presence session itself is
	// removed here so the offline transition is visible before snapshots go
	// out; the server's own teardown call afterwards is a no-op.
	server.SetOnDisconnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		for _, roomID := range rooms.DropConn(conn.ID) {
			var err error
			if strings.HasPrefix(roomID, userRoomPrefix) {
				err = natsClient.UnsubscribeUser(strings.TrimPrefix(roomID, userRoomPrefix))
			} else {
				err = natsClient.UnsubscribeRoom(roomID)
			}
			if err != nil {
				log.Printf("[disconnect] unsubscribe %s: %v", roomID, err)
			}
		}
		metrics.RoomsTotal.Set(float64(rooms.Count()))

		offlineUser, err := presenceStore.Disconnect(ctx, conn.ID)
		if err != nil {
			log.Printf("[disconnect] presence teardown conn=%s: %v", conn.ID, err)
			return
		}
		if offlineUser != "" {
			log.Printf("[disconnect] user=%s went offline (conn=%s)", offlineUser, conn.ID)
			if err := natsClient.PublishPresenceRefresh(); err != nil {
				log.Printf("[disconnect] presence refresh publish: %v", err)
			}
		}
	})

	// Presence snapshots: rebroadcast on refresh requests (published by any
	// broker or the API server) and on a steady ticker.
	if err := natsClient.SubscribePresenceRefresh(broadcastSnapshot); err != nil {
		log.Fatalf("failed to subscribe to presence refresh: %v", err)
	}
	snapshotTicker := time.NewTicker(snapshotInterval)
	go func() {
		for range snapshotTicker.C {
			broadcastSnapshot()
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		snapshotTicker.Stop()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
