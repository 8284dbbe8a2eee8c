package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/gorilla/websocket"
	"gorm.io/datatypes"
)

type fakeOutbox struct {
	mu        sync.Mutex
	entries   []outbox.Entry
	processed map[string]bool
	purged    time.Duration
}

func newFakeOutbox(entries ...outbox.Entry) *fakeOutbox {
	return &fakeOutbox{entries: entries, processed: map[string]bool{}}
}

func (f *fakeOutbox) FetchPending(_ context.Context, limit int) ([]outbox.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []outbox.Entry
	for _, entry := range f.entries {
		if !f.processed[entry.ID] && len(pending) < limit {
			pending = append(pending, entry)
		}
	}
	return pending, nil
}

func (f *fakeOutbox) MarkProcessed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[id] = true
	return nil
}

func (f *fakeOutbox) Purge(_ context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = retention
	return 0, nil
}

func (f *fakeOutbox) Backlog(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, entry := range f.entries {
		if !f.processed[entry.ID] {
			count++
		}
	}
	return count, nil
}

type fakeRecords struct {
	records map[string]reconcile.CanonicalRecord
}

func (f fakeRecords) FetchRecord(_ context.Context, clientID, branchID, table, recordID string) (reconcile.CanonicalRecord, error) {
	record, ok := f.records[clientID+"/"+branchID+"/"+table+"/"+recordID]
	if !ok {
		return reconcile.CanonicalRecord{}, reconcile.ErrRecordNotFound
	}
	return record, nil
}

type recordingSink struct {
	mu       sync.Mutex
	messages [][]byte
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, _ outbox.Entry, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func productEntry(id, branchID, deviceID, recordID string) outbox.Entry {
	return outbox.Entry{
		ID:              id,
		ClientID:        "merchant-1",
		BranchID:        branchID,
		DeviceID:        deviceID,
		EntityType:      "products",
		EntityID:        recordID,
		Operation:       "update",
		CreatedAtMicros: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC).UnixMicro(),
	}
}

func productRecord(branchID, recordID string, version int64) reconcile.CanonicalRecord {
	return reconcile.CanonicalRecord{
		ClientID:              "merchant-1",
		BranchID:              branchID,
		Table:                 "products",
		RecordID:              recordID,
		Data:                  datatypes.JSON(`{"price":5}`),
		SyncVersion:           version,
		ServerUpdatedAtMicros: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC).UnixMicro(),
	}
}

func TestDrainOnceDeliversToRoomExceptOrigin(t *testing.T) {
	source := newFakeOutbox(productEntry("o1", "branch-1", "pos-1", "p1"))
	records := fakeRecords{records: map[string]reconcile.CanonicalRecord{
		"merchant-1/branch-1/products/p1": productRecord("branch-1", "p1", 3),
	}}
	sink := &recordingSink{}
	b, err := New(Config{Outbox: source, Records: records, Sinks: []Sink{sink}})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}

	origin := &fakeMember{id: "c1", deviceID: "pos-1"}
	peer := &fakeMember{id: "c2", deviceID: "pos-2"}
	otherBranch := &fakeMember{id: "c3", deviceID: "pos-3"}
	admin := &fakeMember{id: "c4", deviceID: "backoffice"}
	b.registry.Join(origin, "merchant-1:branch-1")
	b.registry.Join(peer, "merchant-1:branch-1")
	b.registry.Join(otherBranch, "merchant-1:branch-2")
	b.registry.Join(admin, "merchant-1:branch-1")
	b.registry.Join(admin, "merchant-1:*")

	processed, err := b.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected one processed entry, got %d", processed)
	}
	if len(origin.received) != 0 {
		t.Fatalf("origin device must not receive its own change")
	}
	if len(otherBranch.received) != 0 {
		t.Fatalf("other branch must not receive the change")
	}
	if len(admin.received) != 1 {
		t.Fatalf("admin in two rooms must receive exactly once, got %d", len(admin.received))
	}
	if len(peer.received) != 1 {
		t.Fatalf("expected peer delivery, got %d", len(peer.received))
	}

	message, err := wire.DecodeOutbound(peer.received[0])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	syncMessage, ok := message.(wire.Sync)
	if !ok {
		t.Fatalf("expected sync message, got %T", message)
	}
	if syncMessage.SyncVersion != 3 || syncMessage.OriginDeviceID != "pos-1" || syncMessage.OutboxID != "o1" {
		t.Fatalf("unexpected sync payload %+v", syncMessage)
	}
	if len(sink.messages) != 1 {
		t.Fatalf("expected sink publish, got %d", len(sink.messages))
	}

	again, err := b.DrainOnce(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("expected drained entry not to be redelivered, got %d (%v)", again, err)
	}
}

func TestDrainOnceMarksEntriesWithoutListeners(t *testing.T) {
	deleted := productEntry("o1", "branch-1", "pos-1", "gone")
	deleted.Operation = "delete"
	source := newFakeOutbox(deleted)
	b, err := New(Config{Outbox: source, Records: fakeRecords{}})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}

	processed, err := b.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if processed != 1 || !source.processed["o1"] {
		t.Fatalf("expected entry to be marked processed")
	}
}

func TestPurgeOnceUsesRetention(t *testing.T) {
	source := newFakeOutbox()
	b, err := New(Config{Outbox: source, Records: fakeRecords{}, Retention: 48 * time.Hour})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}
	if _, err := b.PurgeOnce(context.Background()); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if source.purged != 48*time.Hour {
		t.Fatalf("expected retention 48h, got %v", source.purged)
	}
}

func TestScheduleSkipsOverlappingRuns(t *testing.T) {
	b, err := New(Config{Outbox: newFakeOutbox(), Records: fakeRecords{}})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}
	release := make(chan struct{})
	var runs int
	var mu sync.Mutex
	task := func() error {
		mu.Lock()
		runs++
		mu.Unlock()
		<-release
		return nil
	}

	b.schedule(&b.draining, "drain", task)
	b.schedule(&b.draining, "drain", task)
	close(release)
	b.tasks.Wait()

	if runs != 1 {
		t.Fatalf("expected overlapping tick to be skipped, got %d runs", runs)
	}
	b.schedule(&b.draining, "drain", task)
	b.tasks.Wait()
	if runs != 2 {
		t.Fatalf("expected a new run once the previous finished, got %d", runs)
	}
}

func newLiveServer(t *testing.T, b *Broker) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		identity := Identity{
			ClientID: query.Get("client"),
			BranchID: query.Get("branch"),
			DeviceID: query.Get("device"),
			Admin:    query.Get("admin") == "true",
		}
		if err := b.ServeConn(w, r, identity); err != nil {
			t.Errorf("serve conn failed: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	connected := readMessage(t, conn)
	if _, ok := connected.(wire.Connected); !ok {
		t.Fatalf("expected connected greeting, got %T", connected)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline failed: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	message, err := wire.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return message
}

func send(t *testing.T, conn *websocket.Conn, message wire.Message) {
	t.Helper()
	payload, err := wire.Encode(message)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestLiveConnectionPingAndRoomAuthorization(t *testing.T) {
	b, err := New(Config{Outbox: newFakeOutbox(), Records: fakeRecords{}})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}
	server := newLiveServer(t, b)
	conn := dial(t, server, "client=merchant-1&branch=branch-1&device=pos-1")

	send(t, conn, wire.Ping{})
	if _, ok := readMessage(t, conn).(wire.Pong); !ok {
		t.Fatalf("expected pong")
	}

	send(t, conn, wire.Subscribe{Room: "merchant-1:branch-2"})
	rejected, ok := readMessage(t, conn).(wire.ErrorMessage)
	if !ok || rejected.Code != wire.CodeRoomForbidden {
		t.Fatalf("expected room_forbidden error, got %#v", rejected)
	}

	send(t, conn, wire.Subscribe{Room: "merchant-1:branch-1"})
	if subscribed, ok := readMessage(t, conn).(wire.Subscribed); !ok || subscribed.Room != "merchant-1:branch-1" {
		t.Fatalf("expected subscribed confirmation")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	unknown, ok := readMessage(t, conn).(wire.ErrorMessage)
	if !ok || unknown.Code != wire.CodeUnknownMessage {
		t.Fatalf("expected unknown_message_type error, got %#v", unknown)
	}
}

func TestPeerChangeIsRebroadcastToBranch(t *testing.T) {
	b, err := New(Config{Outbox: newFakeOutbox(), Records: fakeRecords{}})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}
	server := newLiveServer(t, b)
	sender := dial(t, server, "client=merchant-1&branch=branch-1&device=pos-1")
	peer := dial(t, server, "client=merchant-1&branch=branch-1&device=pos-2")
	outsider := dial(t, server, "client=merchant-1&branch=branch-2&device=pos-3")

	send(t, sender, wire.SyncChange{Table: "products", RecordID: "p1", Operation: "update", Data: json.RawMessage(`{"price":4}`)})

	update, ok := readMessage(t, peer).(wire.SyncUpdate)
	if !ok {
		t.Fatalf("expected sync:update at peer")
	}
	if update.OriginDeviceID != "pos-1" || update.BranchID != "branch-1" || update.RecordID != "p1" {
		t.Fatalf("unexpected peer update %+v", update)
	}

	// The next message on the sender and the outsider must be the pong, not an update.
	for _, conn := range []*websocket.Conn{sender, outsider} {
		send(t, conn, wire.Ping{})
		if message := readMessage(t, conn); message.Kind() != wire.KindPong {
			t.Fatalf("expected pong, got %s", message.Kind())
		}
	}
}

func TestSilentConnectionIsClosedAfterMissedHeartbeats(t *testing.T) {
	b, err := New(Config{Outbox: newFakeOutbox(), Records: fakeRecords{}, HeartbeatInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}
	server := newLiveServer(t, b)
	conn := dial(t, server, "client=merchant-1&branch=branch-1&device=pos-1")
	if b.Registry().RoomCount() == 0 {
		t.Fatalf("expected the connection to join its rooms")
	}

	// The client stops reading, so server pings go unanswered.
	deadline := time.Now().Add(5 * time.Second)
	for b.Registry().RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected rooms to be released, still %d", b.Registry().RoomCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline failed: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("expected the server to close the socket, read timed out")
			}
			return
		}
	}
}
