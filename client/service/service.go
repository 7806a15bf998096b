// Package service runs a collaboration session on behalf of a host
// application: it mirrors confirmed content into a document store, logs
// session activity and reconnects after transport loss when asked to.
package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/yashness/marp-presentation-creator-sub001/client/model"
	"github.com/yashness/marp-presentation-creator-sub001/client/session"
	"github.com/yashness/marp-presentation-creator-sub001/client/storage/memory"
)

const (
	defaultReconnectInitialInterval = 500 * time.Millisecond
	defaultReconnectMaxInterval     = 30 * time.Second
)

type (
	// DocumentStore keeps the latest confirmed document per presentation.
	DocumentStore interface {
		Put(presentationID string, doc model.Document) error
		Get(presentationID string) (model.Document, error)
	}

	Config struct {
		Logger         *zerolog.Logger
		Store          DocumentStore
		ServerURL      string
		PresentationID string
		DisplayName    string

		// Reconnect keeps the service in the session after transport loss,
		// retrying with exponential backoff. Each retry is a fresh join:
		// the server assigns a new collaborator id.
		Reconnect                bool
		ReconnectInitialInterval time.Duration
		ReconnectMaxInterval     time.Duration

		// LogCursorEvents lowers cursor and selection updates into the log.
		LogCursorEvents bool
	}

	Service struct {
		logger          zerolog.Logger
		sess            *session.Session
		store           DocumentStore
		presentationID  string
		reconnect       bool
		initialInterval time.Duration
		maxInterval     time.Duration
		logCursors      bool

		lost chan error
	}
)

func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		nop := zerolog.Nop()
		cfg.Logger = &nop
	}
	if cfg.Store == nil {
		cfg.Store = memory.NewStore()
	}
	if cfg.ReconnectInitialInterval <= 0 {
		cfg.ReconnectInitialInterval = defaultReconnectInitialInterval
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = defaultReconnectMaxInterval
	}

	svc := &Service{
		logger:          cfg.Logger.With().Str("component", "editor-service").Logger(),
		store:           cfg.Store,
		presentationID:  cfg.PresentationID,
		reconnect:       cfg.Reconnect,
		initialInterval: cfg.ReconnectInitialInterval,
		maxInterval:     cfg.ReconnectMaxInterval,
		logCursors:      cfg.LogCursorEvents,
		lost:            make(chan error, 1),
	}

	sess, err := session.New(session.Config{
		Logger:         cfg.Logger,
		ServerURL:      cfg.ServerURL,
		PresentationID: cfg.PresentationID,
		DisplayName:    cfg.DisplayName,
		Handlers: session.Handlers{
			OnSessionState:    svc.onSessionState,
			OnUserJoined:      svc.onUserJoined,
			OnUserLeft:        svc.onUserLeft,
			OnContentUpdate:   svc.onContentUpdate,
			OnCursorUpdate:    svc.onCursorUpdate,
			OnSelectionUpdate: svc.onSelectionUpdate,
			OnDisconnect:      svc.onDisconnect,
		},
	})
	if err != nil {
		return nil, err
	}
	svc.sess = sess
	return svc, nil
}

// Run joins the session and blocks until the context ends or the
// connection is lost. With reconnect enabled a lost connection starts a
// backoff loop instead of ending the run; without it, Run returns the
// disconnect cause.
func (svc *Service) Run(ctx context.Context) error {
	if err := svc.connect(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			svc.sess.Disconnect()
			svc.logger.Debug().Msg("service stopped")
			return nil
		case cause := <-svc.lost:
			if !svc.reconnect {
				return cause
			}
			svc.logger.Warn().Err(cause).Msg("connection lost, reconnecting")
			if err := svc.connect(ctx); err != nil {
				return err
			}
		}
	}
}

func (svc *Service) connect(ctx context.Context) error {
	if !svc.reconnect {
		return svc.sess.Connect(ctx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = svc.initialInterval
	bo.MaxInterval = svc.maxInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		connErr := svc.sess.Connect(ctx)
		if connErr != nil {
			svc.logger.Warn().Err(connErr).Msg("connect attempt failed")
		}
		return connErr
	}, backoff.WithContext(bo, ctx))
	if err != nil && ctx.Err() != nil {
		// shutting down, not a failure
		return nil
	}
	return err
}

// Edit sends the full content to the session, advancing the local edit
// counter. Dropped silently while disconnected.
func (svc *Service) Edit(content string) {
	svc.sess.SendContentChange(content)
}

func (svc *Service) MoveCursor(position int) {
	svc.sess.SendCursorMove(position)
}

func (svc *Service) Select(start, end *int) {
	svc.sess.SendSelectionChange(start, end)
}

func (svc *Service) Connected() bool {
	return svc.sess.Connected()
}

func (svc *Service) SelfID() string {
	return svc.sess.SelfID()
}

func (svc *Service) Roster() []model.Participant {
	return svc.sess.Roster()
}

func (svc *Service) Others() []model.Participant {
	return svc.sess.Others()
}

// Document returns the last stored confirmed document.
func (svc *Service) Document() (model.Document, error) {
	return svc.store.Get(svc.presentationID)
}

func (svc *Service) onSessionState(selfID string, users []model.Participant, content *string) {
	svc.logger.Info().
		Str("collaboratorID", selfID).
		Int("collaborators", len(users)).
		Msg("joined session")
	if content == nil {
		return
	}
	doc := model.Document{Content: *content, Version: svc.sess.Version(), UpdatedAt: time.Now().UTC()}
	if err := svc.store.Put(svc.presentationID, doc); err != nil {
		svc.logger.Error().Err(err).Msg("failed to store initial document")
	}
}

func (svc *Service) onContentUpdate(content string, version int64) {
	doc := model.Document{Content: content, Version: version, UpdatedAt: time.Now().UTC()}
	if err := svc.store.Put(svc.presentationID, doc); err != nil {
		svc.logger.Error().Err(err).Msg("failed to store document")
		return
	}
	svc.logger.Debug().Int64("version", version).Msg("document updated")
}

func (svc *Service) onUserJoined(user model.Participant) {
	svc.logger.Info().
		Str("userID", user.ID).
		Str("name", user.DisplayName).
		Msg("collaborator joined")
}

func (svc *Service) onUserLeft(userID string) {
	svc.logger.Info().Str("userID", userID).Msg("collaborator left")
}

func (svc *Service) onCursorUpdate(userID string, position int) {
	if !svc.logCursors {
		return
	}
	svc.logger.Debug().
		Str("userID", userID).
		Int("position", position).
		Msg("cursor moved")
}

func (svc *Service) onSelectionUpdate(userID string, start, end *int) {
	if !svc.logCursors {
		return
	}
	ev := svc.logger.Debug().Str("userID", userID)
	if start == nil || end == nil {
		ev.Msg("selection cleared")
		return
	}
	ev.Int("start", *start).Int("end", *end).Msg("selection changed")
}

func (svc *Service) onDisconnect(err error) {
	if err == nil {
		return
	}
	select {
	case svc.lost <- err:
	default:
	}
}
