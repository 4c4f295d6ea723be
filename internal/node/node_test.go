package node_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/config"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/directory/server"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/models"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/node"
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

func nodeConfig(username, dataDir, directoryURL string) *config.Config {
	return &config.Config{
		Env:               "development",
		Username:          username,
		ListenAddr:        "127.0.0.1:0",
		DataDir:           dataDir,
		DirectoryURL:      directoryURL,
		DirectoryToken:    username + "-token",
		HeartbeatInterval: time.Hour,
		DrainInterval:     time.Hour,
		DialTimeout:       time.Second,
		DirectoryTimeout:  5 * time.Second,
		ContactTTL:        5 * time.Minute,
		ShutdownGrace:     time.Second,
	}
}

func startNode(t *testing.T, cfg *config.Config) *node.Node {
	t.Helper()
	ctx := context.Background()
	n, err := node.New(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(ctx); err != nil {
		n.Shutdown()
		t.Fatal(err)
	}
	return n
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

func TestTwoNodesExchangeMessages(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)

	alice := startNode(t, nodeConfig("alice", t.TempDir(), ts.URL))
	defer alice.Shutdown()
	bob := startNode(t, nodeConfig("bob", t.TempDir(), ts.URL))
	defer bob.Shutdown()

	if _, err := bob.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	out, err := alice.Send(ctx, "bob", "hello bob")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Delivered || out.Method != models.MethodDirect {
		t.Fatalf("expected direct delivery, got %+v", out)
	}

	waitFor(t, "bob to receive the message", func() bool {
		recs, err := bob.History(ctx, "alice", 10)
		return err == nil && len(recs) == 1
	})
	recs, err := bob.History(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Plaintext != "hello bob" {
		t.Fatalf("unexpected plaintext %q", recs[0].Plaintext)
	}
}

func TestQueuedMessageDrainedOnRestart(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)

	alice := startNode(t, nodeConfig("alice", t.TempDir(), ts.URL))
	defer alice.Shutdown()

	bobDir := t.TempDir()
	bob := startNode(t, nodeConfig("bob", bobDir, ts.URL))
	if _, err := bob.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	bob.Shutdown()

	// Bob's listener is gone; the send falls back to the mailbox.
	out, err := alice.Send(ctx, "bob", "see you later")
	if err != nil {
		t.Fatal(err)
	}
	if out.Delivered || out.Method != models.MethodQueued {
		t.Fatalf("expected queued delivery, got %+v", out)
	}

	// Restarting with the same data dir reuses the identity, so the
	// queued ciphertext is still decryptable.
	bob = startNode(t, nodeConfig("bob", bobDir, ts.URL))
	defer bob.Shutdown()

	waitFor(t, "startup drain to apply the message", func() bool {
		recs, err := bob.History(ctx, "alice", 10)
		return err == nil && len(recs) == 1
	})
	recs, err := bob.History(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Plaintext != "see you later" || recs[0].Method != models.MethodQueued {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestRemoveContactDropsHistory(t *testing.T) {
	ctx := context.Background()
	ts := newTestDirectory(t)

	alice := startNode(t, nodeConfig("alice", t.TempDir(), ts.URL))
	defer alice.Shutdown()
	bob := startNode(t, nodeConfig("bob", t.TempDir(), ts.URL))
	defer bob.Shutdown()

	if _, err := bob.AddContact(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Send(ctx, "bob", "hi"); err != nil {
		t.Fatal(err)
	}

	if err := alice.RemoveContact(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	recs, err := alice.History(ctx, "bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("history survived contact removal: %+v", recs)
	}
	contacts, err := alice.Contacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range contacts {
		if c.Username == "bob" {
			t.Fatal("contact not removed")
		}
	}
}
