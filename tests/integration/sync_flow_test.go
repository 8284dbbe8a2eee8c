package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tillsync/internal/broker"
	"github.com/MarcoPoloResearchLab/tillsync/internal/database"
	"github.com/MarcoPoloResearchLab/tillsync/internal/devices"
	"github.com/MarcoPoloResearchLab/tillsync/internal/engine"
	"github.com/MarcoPoloResearchLab/tillsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/replica"
	"github.com/MarcoPoloResearchLab/tillsync/internal/server"
	"github.com/MarcoPoloResearchLab/tillsync/internal/transport"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	signingSecret = "integration-secret"
	sessionIssuer = "tillsync-license"
	clientID      = "merchant-1"
	branchID      = "branch-1"
)

type syncServer struct {
	url    string
	broker *broker.Broker
	tokens *auth.TokenIssuer
}

func startServer(t *testing.T) syncServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:tillsync_integration_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(database.DriverSQLite, dsn, zap.NewNop())
	require.NoError(t, err)

	reconcileService, err := reconcile.NewService(reconcile.ServiceConfig{Database: db, Tables: []string{"products"}})
	require.NoError(t, err)
	deviceService, err := devices.NewService(devices.ServiceConfig{Database: db})
	require.NoError(t, err)
	outboxStore, err := outbox.NewStore(outbox.StoreConfig{Database: db})
	require.NoError(t, err)
	liveBroker, err := broker.New(broker.Config{Outbox: outboxStore, Records: reconcileService})
	require.NoError(t, err)
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        sessionIssuer,
	})
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        sessionIssuer,
	})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:  sessions,
		Reconcile: reconcileService,
		Devices:   deviceService,
		Broker:    liveBroker,
	})
	require.NoError(t, err)

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return syncServer{url: testServer.URL, broker: liveBroker, tokens: tokens}
}

type terminal struct {
	deviceID string
	token    string
	engine   *engine.Engine
	replica  *replica.Store
	queue    *queue.Store
}

func startTerminal(t *testing.T, srv syncServer, deviceID string, policy engine.ConflictPolicy) terminal {
	t.Helper()

	token, _, err := srv.tokens.IssueDeviceToken(context.Background(), auth.DeviceGrant{
		DeviceID: deviceID,
		ClientID: clientID,
		BranchID: branchID,
	})
	require.NoError(t, err)

	dsn := fmt.Sprintf("file:tillsync_integration_%s_%d?mode=memory&cache=shared", deviceID, time.Now().UnixNano())
	db, err := database.OpenAgent(dsn, zap.NewNop())
	require.NoError(t, err)

	queueStore, err := queue.NewStore(queue.Config{Database: db})
	require.NoError(t, err)
	replicaStore, err := replica.NewStore(replica.Config{Database: db, BranchID: branchID})
	require.NoError(t, err)
	client, err := transport.NewClient(transport.Config{
		BaseURL:  srv.url,
		Token:    token,
		DeviceID: deviceID,
	})
	require.NoError(t, err)

	syncEngine, err := engine.New(engine.Config{
		Queue:    queueStore,
		Replica:  replicaStore,
		Remote:   client,
		DeviceID: deviceID,
		BranchID: branchID,
		Policy:   policy,
	})
	require.NoError(t, err)

	return terminal{deviceID: deviceID, token: token, engine: syncEngine, replica: replicaStore, queue: queueStore}
}

func (term terminal) mutate(t *testing.T, recordID string, operation reconcile.Operation, payload string) {
	t.Helper()
	_, err := term.engine.Mutate(context.Background(), reconcile.ChangeRecord{
		Table:     "products",
		RecordID:  recordID,
		Operation: operation,
		Data:      json.RawMessage(payload),
	})
	require.NoError(t, err)
}

func (term terminal) sync(t *testing.T) engine.CycleReport {
	t.Helper()
	report, err := term.engine.SyncNow(context.Background())
	require.NoError(t, err)
	return report
}

func (term terminal) record(t *testing.T, recordID string) replica.Record {
	t.Helper()
	record, err := term.replica.Get(context.Background(), "products", recordID)
	require.NoError(t, err)
	return record
}

func TestCreateOnOneTerminalReachesAnotherByPull(t *testing.T) {
	srv := startServer(t)
	d1 := startTerminal(t, srv, "pos-1", engine.PolicyServer)
	d2 := startTerminal(t, srv, "pos-2", engine.PolicyServer)

	d1.mutate(t, "p1", reconcile.OperationCreate, `{"name":"Espresso","price":250}`)
	report := d1.sync(t)
	require.Equal(t, 1, report.Applied)

	pushed := d1.record(t, "p1")
	require.EqualValues(t, 1, pushed.SyncVersion)

	report = d2.sync(t)
	require.Equal(t, 1, report.Pulled)
	received := d2.record(t, "p1")
	require.EqualValues(t, 1, received.SyncVersion)
	require.JSONEq(t, `{"name":"Espresso","price":250}`, string(received.Data))
	require.Equal(t, "pos-1", received.OriginDeviceID)

	stats, err := d1.engine.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Queue.Pending)
}

func TestConcurrentEditsRaiseConflictResolvedForServer(t *testing.T) {
	srv := startServer(t)
	d1 := startTerminal(t, srv, "pos-1", engine.PolicyServer)
	d2 := startTerminal(t, srv, "pos-2", engine.PolicyManual)

	d1.mutate(t, "p1", reconcile.OperationCreate, `{"price":250}`)
	d1.sync(t)
	d2.sync(t)
	require.EqualValues(t, 1, d2.record(t, "p1").SyncVersion)

	d1.mutate(t, "p1", reconcile.OperationUpdate, `{"price":275}`)
	d2.mutate(t, "p1", reconcile.OperationUpdate, `{"price":300}`)

	report := d1.sync(t)
	require.Equal(t, 1, report.Applied)

	report = d2.sync(t)
	require.Equal(t, 1, report.Conflicts)
	conflicts, err := d2.engine.PendingConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.EqualValues(t, 2, conflicts[0].ServerVersion)
	require.JSONEq(t, `{"price":275}`, string(conflicts[0].ServerData))

	// The held edit stays visible locally until the operator decides.
	require.JSONEq(t, `{"price":300}`, string(d2.record(t, "p1").Data))

	_, err = d2.engine.ResolveConflict(context.Background(), "products", "p1", reconcile.ResolutionAcceptServer, nil)
	require.NoError(t, err)

	resolved := d2.record(t, "p1")
	require.EqualValues(t, 2, resolved.SyncVersion)
	require.JSONEq(t, `{"price":275}`, string(resolved.Data))
	conflicts, err = d2.engine.PendingConflicts(context.Background())
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestAcceptServerAfterFurtherEditsConverges(t *testing.T) {
	srv := startServer(t)
	d1 := startTerminal(t, srv, "pos-1", engine.PolicyServer)
	d2 := startTerminal(t, srv, "pos-2", engine.PolicyManual)

	d1.mutate(t, "p1", reconcile.OperationCreate, `{"price":250}`)
	d1.sync(t)
	d2.sync(t)

	d1.mutate(t, "p1", reconcile.OperationUpdate, `{"price":275}`)
	d1.sync(t)
	d2.mutate(t, "p1", reconcile.OperationUpdate, `{"price":300}`)
	require.Equal(t, 1, d2.sync(t).Conflicts)

	// The server moves on while the conflict waits for the operator.
	d1.mutate(t, "p1", reconcile.OperationUpdate, `{"price":400}`)
	require.Equal(t, 1, d1.sync(t).Applied)
	require.Equal(t, 1, d2.sync(t).Skipped)

	_, err := d2.engine.ResolveConflict(context.Background(), "products", "p1", reconcile.ResolutionAcceptServer, nil)
	require.NoError(t, err)
	d2.sync(t)
	d2.sync(t)

	want := d1.record(t, "p1")
	got := d2.record(t, "p1")
	require.EqualValues(t, 3, want.SyncVersion)
	require.Equal(t, want.SyncVersion, got.SyncVersion)
	require.JSONEq(t, `{"price":400}`, string(got.Data))
	require.JSONEq(t, string(want.Data), string(got.Data))
}

func TestAcceptClientResolutionWinsOnEveryTerminal(t *testing.T) {
	srv := startServer(t)
	d1 := startTerminal(t, srv, "pos-1", engine.PolicyServer)
	d2 := startTerminal(t, srv, "pos-2", engine.PolicyManual)

	d1.mutate(t, "p1", reconcile.OperationCreate, `{"price":250}`)
	d1.sync(t)
	d2.sync(t)

	d1.mutate(t, "p1", reconcile.OperationUpdate, `{"price":275}`)
	d1.sync(t)
	d2.mutate(t, "p1", reconcile.OperationUpdate, `{"price":300}`)
	d2.sync(t)

	_, err := d2.engine.ResolveConflict(context.Background(), "products", "p1", reconcile.ResolutionAcceptClient, nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, d2.record(t, "p1").SyncVersion)

	d1.sync(t)
	winner := d1.record(t, "p1")
	require.EqualValues(t, 3, winner.SyncVersion)
	require.JSONEq(t, `{"price":300}`, string(winner.Data))
}

func TestBrokerPushesChangesToConnectedTerminal(t *testing.T) {
	srv := startServer(t)
	d1 := startTerminal(t, srv, "pos-1", engine.PolicyServer)
	d2 := startTerminal(t, srv, "pos-2", engine.PolicyServer)

	live, err := transport.NewLiveClient(transport.LiveConfig{
		ServerURL: srv.url,
		Token:     d2.token,
		DeviceID:  d2.deviceID,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = live.Run(ctx, func(message wire.Message) {
			_ = d2.engine.ApplyLive(ctx, message)
		})
	}()
	require.Eventually(t, func() bool {
		return srv.broker.Registry().RoomCount() > 0
	}, 5*time.Second, 10*time.Millisecond)

	d1.mutate(t, "p7", reconcile.OperationCreate, `{"price":120}`)
	d1.sync(t)

	delivered, err := srv.broker.DrainOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	require.Eventually(t, func() bool {
		record, err := d2.replica.Get(context.Background(), "products", "p7")
		return err == nil && record.SyncVersion == 1
	}, 5*time.Second, 10*time.Millisecond)
}
