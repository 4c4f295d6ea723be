package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/directory"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/wire"
)

const (
	maxBodySize = 8 * 1024
	// maxEnqueueBody admits any ciphertext the wire protocol admits; the
	// enqueue body carries the same base64 fields as a max-size envelope.
	maxEnqueueBody   = wire.MaxFrameSize + 4*1024
	exchangeKeySize  = 32
	maxUsernameBytes = 64
)

// Server holds shared dependencies for all directory handlers.
type Server struct {
	store        DataStore
	presence     *Presence // optional
	logger       zerolog.Logger
	onlineWindow time.Duration
}

// New creates a directory Server. presence may be nil, in which case
// online status is derived from last_seen alone.
func New(store DataStore, presence *Presence, logger zerolog.Logger, onlineWindow time.Duration) *Server {
	if onlineWindow <= 0 {
		onlineWindow = 90 * time.Second
	}
	return &Server{
		store:        store,
		presence:     presence,
		logger:       logger.With().Str("component", "directory-server").Logger(),
		onlineWindow: onlineWindow,
	}
}

// Router creates and configures the HTTP router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(s.logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", directory.HeaderUser, directory.HeaderToken},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.Health)

	r.Post("/register", s.Register)
	r.Get("/users/{username}", s.GetUser)
	r.Post("/mailbox", s.Enqueue)

	// Owner-scoped routes (require the registration token)
	r.Post("/heartbeat", s.Heartbeat)
	r.Get("/mailbox/{username}", s.DrainMailbox)
	r.Delete("/mailbox/row/{id}", s.Acknowledge)

	return r
}

// JSON sends a JSON response with the given status code.
func (s *Server) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (s *Server) Error(w http.ResponseWriter, status int, message string) {
	s.JSON(w, status, map[string]string{"error": message})
}

// decode reads and decodes a bounded JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return s.decodeWithin(w, r, v, maxBodySize)
}

func (s *Server) decodeWithin(w http.ResponseWriter, r *http.Request, v any, limit int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// authenticate resolves the owner credentials on a request. Responds with
// the appropriate error and returns nil when authentication fails.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *User {
	username := r.Header.Get(directory.HeaderUser)
	token := r.Header.Get(directory.HeaderToken)
	if username == "" || token == "" {
		s.Error(w, http.StatusUnauthorized, "owner credentials required")
		return nil
	}

	u, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, "database error")
		return nil
	}
	if u == nil {
		s.Error(w, http.StatusNotFound, "user not found")
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(u.TokenHash), []byte(token)) != nil {
		s.Error(w, http.StatusUnauthorized, "invalid token")
		return nil
	}
	return u
}

// Health reports service and store health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validKey(b64key string) bool {
	b, err := base64.StdEncoding.DecodeString(b64key)
	return err == nil && len(b) == exchangeKeySize
}

// Register handles the idempotent presence upsert keyed by username. The
// first registration binds the username to the presented token; later
// registrations must present the same token.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req directory.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Username == "" || len(req.Username) > maxUsernameBytes {
		s.Error(w, http.StatusBadRequest, "username is required")
		return
	}
	if req.Token == "" {
		s.Error(w, http.StatusBadRequest, "token is required")
		return
	}
	if !validKey(req.ExchangePub) || !validKey(req.SigningPub) {
		s.Error(w, http.StatusBadRequest, "keys must be base64-encoded 32-byte values")
		return
	}

	existing, err := s.store.GetUser(r.Context(), req.Username)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	tokenHash := ""
	if existing != nil {
		if bcrypt.CompareHashAndPassword([]byte(existing.TokenHash), []byte(req.Token)) != nil {
			s.Error(w, http.StatusConflict, "username already registered")
			return
		}
		tokenHash = existing.TokenHash
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Token), bcrypt.DefaultCost)
		if err != nil {
			s.Error(w, http.StatusInternalServerError, "failed to process token")
			return
		}
		tokenHash = string(hash)
	}

	u := &User{
		Username:    req.Username,
		Address:     req.Address,
		ExchangePub: req.ExchangePub,
		SigningPub:  req.SigningPub,
		TokenHash:   tokenHash,
		LastSeen:    time.Now().UTC(),
	}
	if err := s.store.UpsertUser(r.Context(), u); err != nil {
		s.Error(w, http.StatusInternalServerError, "failed to register")
		return
	}
	if s.presence != nil {
		if err := s.presence.MarkOnline(r.Context(), req.Username); err != nil {
			s.logger.Warn().Err(err).Msg("presence cache update failed")
		}
	}

	s.JSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

// Heartbeat refreshes last_seen and the advertised address.
func (s *Server) Heartbeat(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(w, r)
	if u == nil {
		return
	}

	var req directory.HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	address := req.Address
	if address == "" {
		address = u.Address
	}

	if err := s.store.TouchUser(r.Context(), u.Username, address, time.Now()); err != nil {
		s.Error(w, http.StatusInternalServerError, "failed to update presence")
		return
	}
	if s.presence != nil {
		if err := s.presence.MarkOnline(r.Context(), u.Username); err != nil {
			s.logger.Warn().Err(err).Msg("presence cache update failed")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetUser resolves a username to its public record.
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	u, err := s.store.GetUser(r.Context(), username)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if u == nil {
		s.Error(w, http.StatusNotFound, "user not found")
		return
	}

	online := time.Since(u.LastSeen) < s.onlineWindow
	if s.presence != nil {
		if cached, err := s.presence.IsOnline(r.Context(), u.Username); err == nil {
			online = cached
		}
	}

	s.JSON(w, http.StatusOK, directory.UserRecord{
		Username:    u.Username,
		Address:     u.Address,
		ExchangePub: u.ExchangePub,
		SigningPub:  u.SigningPub,
		LastSeen:    u.LastSeen,
		Online:      online,
	})
}

// Enqueue appends one mailbox row for offline delivery.
func (s *Server) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req directory.EnqueueRequest
	if !s.decodeWithin(w, r, &req, maxEnqueueBody) {
		return
	}

	if req.To == "" || req.From == "" || req.Ciphertext == "" || req.Signature == "" {
		s.Error(w, http.StatusBadRequest, "to, from, ciphertext and signature are required")
		return
	}
	if _, err := uuid.Parse(req.MsgID); err != nil {
		s.Error(w, http.StatusBadRequest, "msg_id must be a UUID")
		return
	}

	target, err := s.store.GetUser(r.Context(), req.To)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if target == nil {
		s.Error(w, http.StatusNotFound, "recipient not found")
		return
	}

	row := &MailboxRow{
		ID:         ulid.Make().String(),
		MsgID:      req.MsgID,
		ToUser:     req.To,
		FromUser:   req.From,
		Ciphertext: req.Ciphertext,
		Signature:  req.Signature,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendRow(r.Context(), row); err != nil {
		s.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	s.JSON(w, http.StatusCreated, directory.EnqueueResponse{ID: row.ID})
}

// DrainMailbox returns all pending rows for the authenticated user,
// oldest first. Rows are deleted only by an explicit acknowledge.
func (s *Server) DrainMailbox(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(w, r)
	if u == nil {
		return
	}
	if chi.URLParam(r, "username") != u.Username {
		s.Error(w, http.StatusForbidden, "mailbox does not belong to caller")
		return
	}

	rows, err := s.store.PendingRows(r.Context(), u.Username)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	resp := directory.MailboxResponse{Messages: make([]directory.MailboxMessage, 0, len(rows))}
	for _, row := range rows {
		resp.Messages = append(resp.Messages, directory.MailboxMessage{
			ID:         row.ID,
			MsgID:      row.MsgID,
			From:       row.FromUser,
			To:         row.ToUser,
			Ciphertext: row.Ciphertext,
			Signature:  row.Signature,
			CreatedAt:  row.CreatedAt,
		})
	}
	s.JSON(w, http.StatusOK, resp)
}

// Acknowledge deletes one mailbox row. Acknowledging a row that is
// already gone succeeds, so crash-retried acknowledges are harmless.
func (s *Server) Acknowledge(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(w, r)
	if u == nil {
		return
	}

	id := chi.URLParam(r, "id")
	row, err := s.store.GetRow(r.Context(), id)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if row == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if row.ToUser != u.Username {
		s.Error(w, http.StatusForbidden, "row does not belong to caller")
		return
	}

	if _, err := s.store.DeleteRow(r.Context(), id); err != nil {
		s.Error(w, http.StatusInternalServerError, "failed to delete row")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
