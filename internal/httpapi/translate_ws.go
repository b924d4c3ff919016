package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luminalpark/3cx-translator/internal/language"
	"github.com/luminalpark/3cx-translator/internal/relay"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsMaxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient adapts a websocket connection to relay.Client. Writes are
// serialized; gorilla allows one concurrent writer.
type wsClient struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsClient) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl may run concurrently with other writes.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// sessionConfig applies the optional query overrides source_lang,
// target_lang, mode and streaming to the session defaults.
func (r *Router) sessionConfig(req *http.Request) (relay.Config, string) {
	cfg := r.cfg.Session
	q := req.URL.Query()

	if v := q.Get("source_lang"); v != "" {
		code := language.Normalize(v)
		if !language.ValidSource(code) {
			return cfg, "unsupported source language: " + v
		}
		cfg.SourceLang = code
	}
	if v := q.Get("target_lang"); v != "" {
		code := language.Normalize(v)
		if !language.ValidTarget(code) {
			return cfg, "unsupported target language: " + v
		}
		cfg.TargetLang = code
	}
	if v := q.Get("mode"); v != "" {
		mode, ok := relay.ParseMode(v)
		if !ok {
			return cfg, "unsupported turn detection mode: " + v
		}
		cfg.Mode = mode
	}
	if v := q.Get("streaming"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, "invalid streaming flag: " + v
		}
		cfg.Streaming = b
	}
	return cfg, ""
}

func (r *Router) handleTranslateWS(w http.ResponseWriter, req *http.Request) {
	if r.sessions.IsDraining() {
		http.Error(w, `{"error": "server is shutting down"}`, http.StatusServiceUnavailable)
		return
	}
	if err := r.authorize(req); err != nil {
		r.logger.Infof("translate_ws: unauthorized connection from %s: %v", req.RemoteAddr, err)
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	cfg, problem := r.sessionConfig(req)
	if problem != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": problem})
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnf("translate_ws: upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(wsMaxMessageSize)
	client := &wsClient{conn: conn}

	session := relay.NewSession(relay.Deps{
		Provider: r.provider,
		Client:   client,
		Config:   cfg,
		Events:   r.eventLog,
		Logger:   r.logger,
	})
	if !r.sessions.Add(session) {
		_ = client.Close()
		return
	}
	defer r.sessions.Remove(session.ID())
	defer session.Close()

	r.logger.Infof("translate_ws: session %s connected from %s", session.ID(), req.RemoteAddr)
	session.Hello()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if session.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				r.logger.Infof("translate_ws: session %s disconnected", session.ID())
			} else {
				r.logger.Warnf("translate_ws: session %s read error: %v", session.ID(), err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			session.HandleAudio(data)
		case websocket.TextMessage:
			session.HandleMessage(data)
		}
	}
}
