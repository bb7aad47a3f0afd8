package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sushantsondhi/raft-core/common"
	"github.com/sushantsondhi/raft-core/kvstore"
	"github.com/sushantsondhi/raft-core/locks"
	"github.com/sushantsondhi/raft-core/raft"
	"github.com/sushantsondhi/raft-core/replication"
	"github.com/sushantsondhi/raft-core/statemachine"
)

// maxValueSize bounds the body of a PUT.
const maxValueSize = 1 << 20

// Node is the subset of raft.Instance the API needs.
type Node interface {
	Status() raft.Status
	Leader() (uuid.UUID, error)
	Members() []common.CoreMember
	ProposeMembershipChange(ctx context.Context, members []common.CoreMember) (int64, error)
}

// KeyValueStore is the subset of kvstore.Store the API needs.
type KeyValueStore interface {
	Set(ctx context.Context, key, val string) (kvstore.Result, error)
	Delete(ctx context.Context, key string) (kvstore.Result, error)
	Get(key string) (string, error)
}

// Registry is the subset of statemachine.CoreStateMachines the API needs.
type Registry interface {
	OwnerOf(idType replication.IDType, id int64) (common.CoreMember, bool)
	StoreID() (replication.StoreID, bool)
}

// Server serves the admin and key value API of one member.
type Server struct {
	node     Node
	store    KeyValueStore
	registry Registry
}

func New(node Node, store KeyValueStore, registry Registry) *Server {
	return &Server{node: node, store: store, registry: registry}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/status", s.Status)
	r.Get("/leader", s.Leader)
	r.Route("/membership", func(r chi.Router) {
		r.Get("/", s.Membership)
		r.Post("/", s.ChangeMembership)
	})
	r.Get("/storeid", s.StoreID)
	r.Get("/ids/{idType}/{id}", s.IDOwner)
	r.Route("/kv", func(r chi.Router) {
		r.Get("/{key}", s.GetKey)
		r.Put("/{key}", s.PutKey)
		r.Delete("/{key}", s.DeleteKey)
	})
	return r
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) Leader(w http.ResponseWriter, r *http.Request) {
	leader, err := s.node.Leader()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uuid.UUID{"leader": leader})
}

func (s *Server) StoreID(w http.ResponseWriter, r *http.Request) {
	storeID, ok := s.registry.StoreID()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("store id not seeded yet"))
		return
	}
	writeJSON(w, http.StatusOK, storeID)
}

// IDOwner answers which member was granted an id.
func (s *Server) IDOwner(w http.ResponseWriter, r *http.Request) {
	idType, err := strconv.ParseInt(chi.URLParam(r, "idType"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, ok := s.registry.OwnerOf(replication.IDType(idType), id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("id was never allocated"))
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

func (s *Server) Membership(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Members())
}

func (s *Server) ChangeMembership(w http.ResponseWriter, r *http.Request) {
	var members []common.CoreMember
	if err := json.NewDecoder(r.Body).Decode(&members); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(members) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("member set must not be empty"))
		return
	}
	index, err := s.node.ProposeMembershipChange(r.Context(), members)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"index": index})
}

// keyParam returns the decoded key. chi routes on the raw path when the
// request path holds escaped characters, its params are then escaped too.
func keyParam(r *http.Request) (string, error) {
	key := chi.URLParam(r, "key")
	if r.URL.RawPath == "" {
		return key, nil
	}
	return url.PathUnescape(key)
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	val, err := s.store.Get(key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, kvstore.ValueResponse{Key: key, Value: val})
}

func (s *Server) PutKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	val, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(val) > maxValueSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("value too large"))
		return
	}
	result, err := s.store.Set(r.Context(), key, string(val))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.store.Delete(r.Context(), key)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeFailure maps errors of writes to a status. Requests made to a
// member that does not lead are answered with 421 and the known leader.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrNotLeader):
		resp := kvstore.ErrorResponse{Error: err.Error()}
		if leader, leaderErr := s.node.Leader(); leaderErr == nil {
			resp.Leader = leader.String()
		}
		writeJSON(w, http.StatusMisdirectedRequest, resp)
	case errors.Is(err, statemachine.ErrLockSessionInvalid):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, statemachine.ErrTransactionRejected):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, locks.ErrAcquireLockTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, kvstore.ErrorResponse{Error: err.Error()})
}
