package delivery_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/crypto"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/delivery"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/directory"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/directory/server"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/events"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/models"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/peer"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/store"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/wire"
)

func newTestDirectory(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := server.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "directory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	srv := server.New(st, nil, zerolog.Nop(), 90*time.Second)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

type testNode struct {
	name  string
	store *store.SQLiteStore
	id    *crypto.Identity
	eng   *crypto.Engine
	bus   *events.Bus
	coord *delivery.Coordinator
	sup   *peer.Supervisor
	dir   *directory.Client
	addr  string
}

// newTestNode builds a full node wired against the given directory. When
// online is false, the node registers an address nothing listens on.
func newTestNode(t *testing.T, ts *httptest.Server, name string, online bool) *testNode {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveIdentity(ctx, id); err != nil {
		t.Fatal(err)
	}
	eng, err := crypto.NewEngine(id)
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	dir := directory.NewClient(ts.URL, name, name+"-token", 5*time.Second, zerolog.Nop())
	coord := delivery.NewCoordinator(name, eng, st, dir, bus, zerolog.Nop(), 5*time.Minute)

	sup := peer.NewSupervisor(zerolog.Nop(), coord.HandleEnvelope, time.Second)
	t.Cleanup(func() { sup.Shutdown(time.Second) })
	coord.AttachSupervisor(sup)

	var addr string
	if online {
		a, err := sup.Listen("127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr = a.String()
	} else {
		// Bind and release a port so the address is valid but dead.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr = ln.Addr().String()
		ln.Close()
	}

	err = dir.Register(ctx, directory.RegisterRequest{
		Username:    name,
		Address:     addr,
		ExchangePub: base64.StdEncoding.EncodeToString(id.ExchangePub),
		SigningPub:  base64.StdEncoding.EncodeToString(id.SigningPub),
		Token:       name + "-token",
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testNode{name: name, store: st, id: id, eng: eng, bus: bus, coord: coord, sup: sup, dir: dir, addr: addr}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDirectDelivery(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", true)

	// Bob must know Alice to authenticate her envelopes.
	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	out, err := alice.coord.Send(ctx, "bob", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out.Method != models.MethodDirect || !out.Delivered {
		t.Fatalf("expected direct delivered outcome, got %+v", out)
	}

	// Alice's record shows delivered=true, method=direct.
	rec, err := alice.store.GetRecord(ctx, out.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.Delivered || rec.Method != models.MethodDirect || rec.Direction != models.DirectionOut {
		t.Fatalf("unexpected sender record: %+v", rec)
	}

	// Bob applies it off his read loop.
	waitFor(t, "bob to apply the message", func() bool {
		r, err := bob.store.GetRecord(ctx, out.MsgID)
		return err == nil && r != nil
	})
	r, err := bob.store.GetRecord(ctx, out.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Plaintext != "hi" || r.Method != models.MethodDirect || r.Direction != models.DirectionIn {
		t.Fatalf("unexpected receiver record: %+v", r)
	}
}

func TestOfflineFallbackAndDrain(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", false)

	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	out, err := alice.coord.Send(ctx, "bob", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out.Method != models.MethodQueued || out.Delivered {
		t.Fatalf("expected queued outcome, got %+v", out)
	}

	// Alice's record shows delivered=false, method=queued.
	rec, err := alice.store.GetRecord(ctx, out.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Delivered || rec.Method != models.MethodQueued {
		t.Fatalf("unexpected sender record: %+v", rec)
	}

	// The mailbox holds exactly one row.
	rows, err := bob.dir.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].MsgID != out.MsgID {
		t.Fatalf("unexpected mailbox contents: %+v", rows)
	}

	// Bob polls: applies and acknowledges.
	if err := bob.coord.DrainMailbox(ctx); err != nil {
		t.Fatal(err)
	}

	r, err := bob.store.GetRecord(ctx, out.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || !r.Delivered || r.Method != models.MethodQueued || r.Plaintext != "hi" {
		t.Fatalf("unexpected receiver record: %+v", r)
	}

	rows, err = bob.dir.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("mailbox not emptied after apply: %+v", rows)
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", false)

	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	// Handcraft one enqueued message, then enqueue the same msg_id twice,
	// as a crashed acknowledge would leave it.
	blob, err := alice.eng.Encrypt([]byte("once only"), bob.id.ExchangePub)
	if err != nil {
		t.Fatal(err)
	}
	msgID := uuid.NewString()
	req := directory.EnqueueRequest{
		MsgID:      msgID,
		To:         "bob",
		From:       "alice",
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
		Signature:  base64.StdEncoding.EncodeToString(alice.eng.Sign(blob)),
	}
	if _, err := alice.dir.Enqueue(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.dir.Enqueue(ctx, req); err != nil {
		t.Fatal(err)
	}

	if err := bob.coord.DrainMailbox(ctx); err != nil {
		t.Fatal(err)
	}

	// Exactly one record despite two rows.
	recs, err := bob.store.ListRecords(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(recs))
	}

	// Both rows acknowledged: the duplicate is cleaned up, not re-applied.
	rows, err := bob.dir.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("duplicate mailbox row not cleaned up: %+v", rows)
	}
}

func TestForgedSignatureDropped(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", true)

	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	// Structurally valid envelope, signed by the wrong key.
	mallory, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	malloryEng, err := crypto.NewEngine(mallory)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := alice.eng.Encrypt([]byte("forged"), bob.id.ExchangePub)
	if err != nil {
		t.Fatal(err)
	}
	msgID := uuid.NewString()
	env := &wire.Envelope{
		Type:       wire.TypeMessage,
		MsgID:      msgID,
		From:       "alice",
		To:         "bob",
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
		Signature:  base64.StdEncoding.EncodeToString(malloryEng.Sign(blob)),
		Timestamp:  wire.Now(),
	}

	conn, err := net.Dial("tcp", bob.addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := wire.Encode(conn, env); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	// Never applied: no record, no seen-ledger entry.
	time.Sleep(300 * time.Millisecond)
	rec, err := bob.store.GetRecord(ctx, msgID)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("forged envelope produced a record: %+v", rec)
	}
	seen, err := bob.store.Seen(ctx, msgID)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("forged envelope marked seen")
	}
}

func TestUnknownSenderMailboxRowNotAcknowledged(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", false)

	// Bob never adds Alice; her queued message must be dropped but the
	// row left in place (never applied or acknowledged).
	blob, err := alice.eng.Encrypt([]byte("stranger danger"), bob.id.ExchangePub)
	if err != nil {
		t.Fatal(err)
	}
	_, err = alice.dir.Enqueue(ctx, directory.EnqueueRequest{
		MsgID:      uuid.NewString(),
		To:         "bob",
		From:       "alice",
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
		Signature:  base64.StdEncoding.EncodeToString(alice.eng.Sign(blob)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := bob.coord.DrainMailbox(ctx); err != nil {
		t.Fatal(err)
	}

	recs, err := bob.store.ListRecords(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("unknown sender message applied: %+v", recs)
	}
	rows, err := bob.dir.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("unknown sender row should remain pending, got %d rows", len(rows))
	}
}

func TestLargeMessageQueuedForOfflinePeer(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", false)

	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	// Well under the frame cap, well over small request-body limits.
	big := strings.Repeat("x", 16*1024)
	out, err := alice.coord.Send(ctx, "bob", big)
	if err != nil {
		t.Fatal(err)
	}
	if out.Method != models.MethodQueued || out.Delivered {
		t.Fatalf("expected queued outcome, got %+v", out)
	}

	if err := bob.coord.DrainMailbox(ctx); err != nil {
		t.Fatal(err)
	}
	rec, err := bob.store.GetRecord(ctx, out.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Plaintext != big {
		t.Fatal("large queued message not applied intact")
	}
}

// insertFailStore simulates a local store that cannot record outbound
// messages.
type insertFailStore struct {
	store.LocalStore
}

func (s *insertFailStore) InsertRecord(ctx context.Context, rec *models.DeliveryRecord) error {
	return errors.New("disk full")
}

func TestSendReportsOutcomeWhenRecordingFails(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	newTestNode(t, ts, "bob", true)
	alice := newTestNode(t, ts, "alice", true)

	broken := delivery.NewCoordinator("alice", alice.eng, &insertFailStore{LocalStore: alice.store}, alice.dir, alice.bus, zerolog.Nop(), 5*time.Minute)
	broken.AttachSupervisor(alice.sup)

	out, err := broken.Send(ctx, "bob", "hi")
	if err == nil {
		t.Fatal("expected a recording error")
	}
	// The frame was written; the caller must learn that so it does not
	// resend under a fresh message id.
	if out == nil || !out.Delivered || out.Method != models.MethodDirect {
		t.Fatalf("outcome must still report the delivery: %+v", out)
	}
}

func TestCollidingMailboxRowAcknowledged(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", false)

	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	// Bob already owns this message id.
	msgID := uuid.NewString()
	err := bob.store.InsertRecord(ctx, &models.DeliveryRecord{
		MsgID:     msgID,
		Peer:      "alice",
		Direction: models.DirectionOut,
		Plaintext: "mine",
		Method:    models.MethodDirect,
		Delivered: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A validly signed message reusing the id must not wedge the drain
	// loop: the row is acknowledged, the stored record is untouched.
	blob, err := alice.eng.Encrypt([]byte("reused id"), bob.id.ExchangePub)
	if err != nil {
		t.Fatal(err)
	}
	_, err = alice.dir.Enqueue(ctx, directory.EnqueueRequest{
		MsgID:      msgID,
		To:         "bob",
		From:       "alice",
		Ciphertext: base64.StdEncoding.EncodeToString(blob),
		Signature:  base64.StdEncoding.EncodeToString(alice.eng.Sign(blob)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := bob.coord.DrainMailbox(ctx); err != nil {
		t.Fatal(err)
	}

	rows, err := bob.dir.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("colliding row not acknowledged: %+v", rows)
	}
	rec, err := bob.store.GetRecord(ctx, msgID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Plaintext != "mine" || rec.Direction != models.DirectionOut {
		t.Fatalf("existing record was overwritten: %+v", rec)
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)

	_, err := alice.coord.Send(ctx, "ghost", "hello?")
	if !errors.Is(err, delivery.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestSendEmitsDeliveredEvent(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", true)
	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := alice.bus.Subscribe(8)
	defer cancel()

	if _, err := alice.coord.Send(ctx, "bob", "hi"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindDelivered && ev.Peer == "bob" {
				return
			}
		case <-deadline:
			t.Fatal("delivered event never emitted")
		}
	}
}

func TestTypingNeverPersists(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)
	alice := newTestNode(t, ts, "alice", true)
	bob := newTestNode(t, ts, "bob", true)
	if _, err := bob.coord.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := bob.bus.Subscribe(8)
	defer cancel()

	if err := alice.coord.SendTyping(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindTyping || ev.Peer != "alice" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing event never emitted")
	}

	recs, err := bob.store.ListRecords(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("typing hint was persisted: %+v", recs)
	}
}
