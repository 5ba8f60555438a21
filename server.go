package chatd

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/jianluochat/chatd/gateway"
	"github.com/jianluochat/chatd/homeserver"
	"github.com/jianluochat/chatd/internal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version string

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	he := &internal.HandlerError{StatusCode: status, Err: err}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(he.JSON())
}

// loginHandler trades a username for a session token. Idempotent: logging in
// again with an active session returns the same token.
func loginHandler(core *homeserver.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != "POST" {
			writeError(w, http.StatusMethodNotAllowed, internal.ErrInvalidPayload)
			return
		}
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, internal.ErrInvalidPayload)
			return
		}
		sess, err := core.RegisterOrLogin(body.Username, body.Password)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			UserID      string `json:"userId"`
			AccessToken string `json:"accessToken"`
			DeviceID    string `json:"deviceId"`
		}{sess.UserID, sess.AccessToken, sess.DeviceID})
	}
}

func healthHandler(g *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Status      string `json:"status"`
			Version     string `json:"version"`
			OnlineUsers int    `json:"onlineUsers"`
		}{"ok", Version, g.OnlineUserCount()})
	}
}

// RunServer is the main entry point to the server
func RunServer(core *homeserver.Core, g *gateway.Gateway, bindAddr string) {
	// HTTP path routing
	r := mux.NewRouter()
	r.Handle("/login", allowCORS(loginHandler(core)))
	r.HandleFunc("/ws", g.HandleWS)
	r.Handle("/health", allowCORS(healthHandler(g)))
	r.Handle("/metrics", promhttp.Handler())

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}

	// Block forever
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
