package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashness/marp-presentation-creator-sub001/client/collabtest"
	"github.com/yashness/marp-presentation-creator-sub001/client/model"
	"github.com/yashness/marp-presentation-creator-sub001/client/session"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func startService(t *testing.T, srv *collabtest.Server, cfg Config) (*Service, chan error, context.CancelFunc) {
	t.Helper()
	if cfg.ServerURL == "" {
		cfg.ServerURL = srv.URL()
	}
	if cfg.PresentationID == "" {
		cfg.PresentationID = "deck-1"
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = "host"
	}

	svc, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- svc.Run(ctx)
	}()
	t.Cleanup(cancel)

	require.Eventually(t, svc.Connected, waitFor, tick, "service did not join")
	return svc, errc, cancel
}

func waitRun(t *testing.T, errc chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("run did not return")
		return nil
	}
}

func sptr(v string) *string { return &v }

func TestNewValidatesSessionConfig(t *testing.T) {
	_, err := New(Config{ServerURL: "http://localhost:8080", DisplayName: "host"})
	assert.ErrorIs(t, err, session.ErrNoPresentation)
}

func TestRunStoresConfirmedContent(t *testing.T) {
	srv := collabtest.New(t)
	svc, errc, cancel := startService(t, srv, Config{})

	peer, err := session.New(session.Config{
		ServerURL:      srv.URL(),
		PresentationID: "deck-1",
		DisplayName:    "peer",
	})
	require.NoError(t, err)
	require.NoError(t, peer.Connect(context.Background()))
	t.Cleanup(peer.Disconnect)
	require.True(t, srv.WaitForClients(2, waitFor))

	peer.SendContentChange("# Deck v1")

	require.Eventually(t, func() bool {
		doc, docErr := svc.Document()
		return docErr == nil && doc.Content == "# Deck v1"
	}, waitFor, tick)

	doc, err := svc.Document()
	require.NoError(t, err)
	assert.EqualValues(t, 1, doc.Version)
	assert.False(t, doc.UpdatedAt.IsZero())

	cancel()
	assert.NoError(t, waitRun(t, errc), "context shutdown is a clean exit")
}

func TestRunStoresInitialContent(t *testing.T) {
	srv := collabtest.New(t)
	srv.SetInitialContent(sptr("# Existing deck"))
	svc, _, _ := startService(t, srv, Config{})

	require.Eventually(t, func() bool {
		doc, err := svc.Document()
		return err == nil && doc.Content == "# Existing deck"
	}, waitFor, tick)
}

func TestEditReachesServer(t *testing.T) {
	srv := collabtest.New(t)
	svc, _, _ := startService(t, srv, Config{})

	svc.Edit("# From the host")

	rec, ok := srv.WaitForKind(model.KindContentChange, waitFor)
	require.True(t, ok)
	assert.Equal(t, "# From the host", rec.Content)
	assert.EqualValues(t, 1, rec.Version)
}

func TestRunReturnsCauseWithoutReconnect(t *testing.T) {
	srv := collabtest.New(t)
	_, errc, _ := startService(t, srv, Config{})

	srv.DisconnectAll()

	err := waitRun(t, errc)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrConnectionLost)
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv := collabtest.New(t)
	svc, errc, cancel := startService(t, srv, Config{
		Reconnect:                true,
		ReconnectInitialInterval: 20 * time.Millisecond,
		ReconnectMaxInterval:     100 * time.Millisecond,
	})

	firstID := svc.SelfID()
	require.NotEmpty(t, firstID)

	srv.DisconnectAll()

	require.Eventually(t, func() bool {
		return svc.Connected() && svc.SelfID() != "" && svc.SelfID() != firstID
	}, waitFor, tick, "service did not rejoin with a fresh collaborator id")

	cancel()
	assert.NoError(t, waitRun(t, errc))
}

func TestRosterAccessors(t *testing.T) {
	srv := collabtest.New(t)
	svc, _, _ := startService(t, srv, Config{})

	peer, err := session.New(session.Config{
		ServerURL:      srv.URL(),
		PresentationID: "deck-1",
		DisplayName:    "peer",
	})
	require.NoError(t, err)
	require.NoError(t, peer.Connect(context.Background()))
	t.Cleanup(peer.Disconnect)

	require.Eventually(t, func() bool { return len(svc.Roster()) == 2 }, waitFor, tick)

	others := svc.Others()
	require.Len(t, others, 1)
	assert.Equal(t, "peer", others[0].DisplayName)
}
