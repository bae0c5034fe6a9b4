package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/inkdoc/docsync/internal/auth"
	"github.com/inkdoc/docsync/internal/config"
	"github.com/inkdoc/docsync/internal/docconn"
	"github.com/inkdoc/docsync/internal/docmanager"
	"github.com/inkdoc/docsync/internal/wire"
)

// server is the HTTP handler wiring websocket connections to the document
// registry, with an optional bearer-token check in front of every attach.
type server struct {
	mgr       *docmanager.Manager
	authn     *auth.Authenticator // nil disables authentication
	urlPrefix string
	runtime   *config.RuntimeConfig
}

func newServer(mgr *docmanager.Manager, authn *auth.Authenticator, urlPrefix string, runtime *config.RuntimeConfig) *server {
	return &server{mgr: mgr, authn: authn, urlPrefix: urlPrefix, runtime: runtime}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /admin/config", s.handleAdminConfig)
	mux.HandleFunc("GET /d/{docID}/ws", s.handleConnect)
	return mux
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.runtime); err != nil {
		log.Printf("[server] encode admin config: %v", err)
	}
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docID")
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	if s.authn != nil {
		token := bearerToken(r)
		if !s.authn.Allow(token, docID) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[server] doc=%s websocket accept failed: %v", docID, err)
		return
	}

	netConn := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)

	session, err := s.mgr.Attach(r.Context(), docID, netConn)
	if err != nil {
		log.Printf("[server] doc=%s attach failed: %v", docID, err)
		conn.Close(websocket.StatusInternalError, "attach failed")
		return
	}
	defer s.mgr.Detach(docID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := session.ReadLoop(ctx, frameReader{netConn}); err != nil {
		log.Printf("[server] doc=%s peer=%d session ended: %v", docID, session.PeerID(), err)
	}
	// ReadLoop always closes the session before returning, so CloseCode
	// reflects why it actually ended — pick the matching websocket status
	// instead of always sending a normal closure.
	conn.Close(closeStatus(session.CloseCode()), "")
}

// closeStatus maps a docconn.CloseCode to the websocket status code sent to
// the peer on teardown.
func closeStatus(code docconn.CloseCode) websocket.StatusCode {
	switch code {
	case docconn.CloseProtocol:
		return websocket.StatusProtocolError
	case docconn.CloseServer:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}

// frameReader adapts an io.Reader (here, a websocket message stream) to
// docconn.FrameReader.
type frameReader struct {
	r interface{ Read(p []byte) (int, error) }
}

func (f frameReader) ReadFrame() (wire.Frame, error) {
	return wire.ReadFrame(f.r)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return ""
}

// shutdownTimeout bounds how long graceful shutdown waits for in-flight
// persists to finish before giving up.
const shutdownTimeout = 10 * time.Second
