package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/1ureka/qrdrop/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a Store to other devices on the network.
//
//	GET /health            liveness
//	GET /ws                WebSocket carrying Store calls as JSON
//	GET /v1/requests/{id}  pending request for a code, 404 when absent
type Server struct {
	store    Store
	router   *mux.Router
	srv      *http.Server
	listener net.Listener
	log      util.Logger
}

// NewServer creates a server backed by store.
func NewServer(store Store) *Server {
	s := &Server{store: store, log: util.Scoped("rendezvous.server")}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	router.HandleFunc("/ws", s.handleWS).Methods("GET")
	router.Handle("/v1/requests/{id}",
		otelhttp.NewHandler(http.HandlerFunc(s.handleLookup), "GET /v1/requests/{id}")).Methods("GET")
	s.router = router

	return s
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr (":0" for a random port) and serves in the
// background. It returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start rendezvous server: %w", err)
	}
	s.listener = listener
	s.srv = &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("serve: %v", err)
		}
	}()

	s.log.Infof("listening on %s", listener.Addr())
	return listener.Addr().String(), nil
}

// Shutdown stops accepting connections and waits for in-flight HTTP requests.
// Hijacked WebSocket connections end when their clients disconnect.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !ValidID(id) {
		http.Error(w, "invalid code", http.StatusBadRequest)
		return
	}

	req, err := s.store.LookupRequest(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Errorf("lookup %s: %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.log.Debugf("client connected from %s", r.RemoteAddr)

	// Calls on one connection are answered in order.
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			s.log.Debugf("client %s gone: %v", r.RemoteAddr, err)
			return
		}
		if err := conn.WriteJSON(s.dispatch(r.Context(), msg)); err != nil {
			s.log.Debugf("write to %s: %v", r.RemoteAddr, err)
			return
		}
	}
}

// dispatch runs one call against the store.
func (s *Server) dispatch(ctx context.Context, msg message) reply {
	rep := reply{Seq: msg.Seq}
	if !ValidID(msg.ID) {
		rep.Code, rep.Error = codeBadCall, "invalid code"
		return rep
	}

	var err error
	switch msg.Op {
	case opPublishRequest:
		if msg.Request == nil {
			rep.Code, rep.Error = codeBadCall, "missing request"
			return rep
		}
		err = s.store.PublishRequest(ctx, msg.ID, *msg.Request)

	case opLookupRequest:
		found, lerr := s.store.LookupRequest(ctx, msg.ID)
		if lerr == nil {
			rep.Request = &found
		}
		err = lerr

	case opPublishResponse:
		if msg.Descriptor == nil {
			rep.Code, rep.Error = codeBadCall, "missing descriptor"
			return rep
		}
		err = s.store.PublishResponse(ctx, msg.ID, *msg.Descriptor)

	case opPollResponse:
		desc, ok, perr := s.store.PollResponse(ctx, msg.ID)
		if perr == nil && ok {
			rep.Ready, rep.Descriptor = true, &desc
		}
		err = perr

	case opRemove:
		err = s.store.Remove(ctx, msg.ID)

	default:
		rep.Code, rep.Error = codeBadCall, fmt.Sprintf("unknown op %q", msg.Op)
		return rep
	}

	switch {
	case errors.Is(err, ErrNotFound):
		rep.Code, rep.Error = codeNotFound, err.Error()
	case errors.Is(err, ErrAlreadyAnswered):
		rep.Code, rep.Error = codeAnswered, err.Error()
	case err != nil:
		s.log.Errorf("%s %s: %v", msg.Op, msg.ID, err)
		rep.Code, rep.Error = codeInternal, err.Error()
	default:
		rep.OK = true
	}
	return rep
}
