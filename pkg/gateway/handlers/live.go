package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cabohealth/nova/pkg/gateway/apierror"
	"github.com/cabohealth/nova/pkg/gateway/auth"
	"github.com/cabohealth/nova/pkg/gateway/config"
	"github.com/cabohealth/nova/pkg/gateway/lifecycle"
	"github.com/cabohealth/nova/pkg/gateway/live/checkpoint"
	"github.com/cabohealth/nova/pkg/gateway/live/session"
	"github.com/cabohealth/nova/pkg/gateway/live/sessions"
	"github.com/cabohealth/nova/pkg/gateway/mw"
	"github.com/cabohealth/nova/pkg/gateway/upstream/gemini"
)

// GeminiDialer adapts the live upstream client to the session's ModelDialer.
type GeminiDialer struct {
	APIKey           string
	Model            string
	BaseWSURL        string
	HandshakeTimeout time.Duration
}

func (d GeminiDialer) DialLive(ctx context.Context, language string) (session.ModelStream, error) {
	return gemini.ConnectLive(ctx, gemini.LiveConfig{
		APIKey:           d.APIKey,
		Model:            d.Model,
		BaseWSURL:        d.BaseWSURL,
		Language:         language,
		HandshakeTimeout: d.HandshakeTimeout,
	})
}

// LiveHandler owns the /api/live WebSocket endpoint: one connection is one
// interview, driven by the session run loop.
type LiveHandler struct {
	Config      config.Config
	Logger      *slog.Logger
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
	Dialer      session.ModelDialer
	Summarizer  session.Summarizer
	AudioStore  session.AudioStore
	Checkpoints checkpoint.Store
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		apierror.Write(w, apierror.Invalid("method not allowed", ""), reqID)
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrAuthentication, Message: "missing principal"}, reqID)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		apierror.Write(w, &apierror.Error{
			Type:    apierror.ErrRateLimit,
			Message: "gateway is draining",
			Code:    "draining",
		}, reqID)
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, &apierror.Error{
			Type:    apierror.ErrPermission,
			Message: "origin is not allowed",
			Param:   "Origin",
		}, reqID)
		return
	}
	if h.Sessions != nil && h.Config.LiveMaxSessionsPerOwner > 0 &&
		h.Sessions.CountByOwner(p.OwnerID) >= h.Config.LiveMaxSessionsPerOwner {
		apierror.Write(w, &apierror.Error{
			Type:    apierror.ErrRateLimit,
			Message: "too many active interview sessions",
			Code:    "session_limit",
		}, reqID)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s, err := session.New(session.Dependencies{
		Conn:       conn,
		Logger:     h.Logger,
		Dialer:     h.Dialer,
		Summarizer: h.Summarizer,
		Audio:      h.AudioStore,
		Checkpoints: checkpoint.NewManager(
			h.Checkpoints, h.Logger, h.Config.CheckpointEvery),
		OwnerID:   p.OwnerID,
		RequestID: reqID,
		Config: session.Config{
			MaxAudioFrameBytes:     h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes:    h.Config.LiveMaxJSONMessageBytes,
			MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
			InboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
			PingInterval:           h.Config.LiveWSPingInterval,
			WriteTimeout:           h.Config.LiveWSWriteTimeout,
			ReadTimeout:            h.Config.LiveWSReadTimeout,
			MaxSessionDuration:     h.Config.LiveMaxSessionDuration,
			StoreTimeout:           h.Config.StoreTimeout,
			SummaryTimeout:         h.Config.SummaryTimeout,
			MinSummaryChars:        h.Config.MinSummaryChars,
		},
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("live session init failed", "request_id", reqID, "error", err)
		}
		return
	}

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register("conn_"+randHex(8), sessions.Handle{
			OwnerID: p.OwnerID,
			Cancel:  s.Cancel,
			Warn:    s.Warn,
		})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error",
				"owner_id", p.OwnerID, "request_id", reqID, "error", err)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
