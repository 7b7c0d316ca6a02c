// Package server exposes the thin CRUD surface and the websocket upgrade
// endpoint in front of the per-list coordinators.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/odedindi/Collaborative-Lists/pkg/auth"
	"github.com/odedindi/Collaborative-Lists/pkg/coordinator"
	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/store"
)

type Server struct {
	st       store.Store
	manager  *coordinator.Manager
	tokens   *auth.JWT
	upgrader websocket.Upgrader
}

func New(st store.Store, manager *coordinator.Manager, tokens *auth.JWT) *Server {
	return &Server{
		st:      st,
		manager: manager,
		tokens:  tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the mux router with request logging.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodPost).Path("/lists").HandlerFunc(s.createList)
	r.Methods(http.MethodGet).Path("/lists").HandlerFunc(s.getLists)
	r.Methods(http.MethodGet).Path("/lists/{list}").HandlerFunc(s.getList)
	r.Methods(http.MethodDelete).Path("/lists/{list}").HandlerFunc(s.deleteList)
	r.Methods(http.MethodPut).Path("/lists/{list}/schema").HandlerFunc(s.putSchema)
	r.Methods(http.MethodPost).Path("/lists/{list}/shares").HandlerFunc(s.putShare)
	r.Methods(http.MethodDelete).Path("/lists/{list}/shares/{email}").HandlerFunc(s.deleteShare)
	r.Methods(http.MethodGet).Path("/lists/{list}/ws").HandlerFunc(s.connect)
	return r
}

// identity pulls and validates the caller's token from the Authorization
// header or, for websocket dials, the token query parameter.
func (s *Server) identity(request *http.Request) (auth.Identity, bool) {
	token := request.URL.Query().Get("token")
	if token == "" {
		const prefix = "Bearer "
		header := request.Header.Get("Authorization")
		if len(header) > len(prefix) && header[:len(prefix)] == prefix {
			token = header[len(prefix):]
		}
	}
	if token == "" {
		return auth.Identity{}, false
	}
	identity, err := s.tokens.Parse(token)
	if err != nil {
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *Server) createList(writer http.ResponseWriter, request *http.Request) {
	identity, ok := s.identity(request)
	if !ok {
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}
	var inputs struct {
		Name   string        `json:"name"`
		Schema []model.Field `json:"schema"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.Name == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	for _, f := range inputs.Schema {
		if !f.Valid() {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	list := model.List{
		ID:         ulid.Make().String(),
		Name:       inputs.Name,
		OwnerEmail: identity.Email,
		Schema:     inputs.Schema,
	}
	if err := s.st.CreateList(request.Context(), list); err != nil {
		slog.Error("failed to create list", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusCreated, list)
}

func (s *Server) getLists(writer http.ResponseWriter, request *http.Request) {
	identity, ok := s.identity(request)
	if !ok {
		writer.WriteHeader(http.StatusUnauthorized)
		return
	}
	lists, err := s.st.ListsFor(request.Context(), identity.Email)
	if err != nil {
		slog.Error("failed to list lists", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(writer, http.StatusOK, lists)
}

// load fetches the list and checks the caller holds at least minimum role.
func (s *Server) load(writer http.ResponseWriter, request *http.Request, minimum model.Role) (model.List, auth.Identity, bool) {
	identity, ok := s.identity(request)
	if !ok {
		writer.WriteHeader(http.StatusUnauthorized)
		return model.List{}, auth.Identity{}, false
	}
	list, err := s.st.GetList(request.Context(), mux.Vars(request)["list"])
	if errors.Is(err, store.ErrNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return model.List{}, auth.Identity{}, false
	} else if err != nil {
		slog.Error("failed to load list", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return model.List{}, auth.Identity{}, false
	}
	role := list.RoleFor(identity.Email)
	if role == "" || !role.AtLeast(minimum) {
		writer.WriteHeader(http.StatusForbidden)
		return model.List{}, auth.Identity{}, false
	}
	return list, identity, true
}

func (s *Server) getList(writer http.ResponseWriter, request *http.Request) {
	list, _, ok := s.load(writer, request, model.RoleViewer)
	if !ok {
		return
	}
	writeJSON(writer, http.StatusOK, list)
}

func (s *Server) deleteList(writer http.ResponseWriter, request *http.Request) {
	list, _, ok := s.load(writer, request, model.RoleOwner)
	if !ok {
		return
	}
	if err := s.st.DeleteList(request.Context(), list.ID); err != nil {
		slog.Error("failed to delete list", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	// teardown closes every live session of the list
	s.manager.Drop(list.ID)
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) putSchema(writer http.ResponseWriter, request *http.Request) {
	list, _, ok := s.load(writer, request, model.RoleEditor)
	if !ok {
		return
	}
	var schema []model.Field
	if err := json.NewDecoder(request.Body).Decode(&schema); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	c, err := s.manager.Get(request.Context(), list.ID)
	if err != nil {
		slog.Error("failed to start coordinator", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := c.SetSchema(request.Context(), schema); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) putShare(writer http.ResponseWriter, request *http.Request) {
	list, _, ok := s.load(writer, request, model.RoleOwner)
	if !ok {
		return
	}
	var inputs struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.Email == "" {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	role := model.NormalizeRole(inputs.Role)
	if role == model.RoleOwner || !list.SetShare(inputs.Email, role) {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	s.saveMeta(writer, request, list)
}

func (s *Server) deleteShare(writer http.ResponseWriter, request *http.Request) {
	list, _, ok := s.load(writer, request, model.RoleOwner)
	if !ok {
		return
	}
	if !list.RemoveShare(mux.Vars(request)["email"]) {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	s.saveMeta(writer, request, list)
}

func (s *Server) saveMeta(writer http.ResponseWriter, request *http.Request, list model.List) {
	if err := s.st.SaveListMeta(request.Context(), list); err != nil {
		slog.Error("failed to save list", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	if c := s.manager.Peek(list.ID); c != nil {
		c.UpdateList(list)
	}
	writeJSON(writer, http.StatusOK, list)
}

// connect upgrades the request to a websocket, resolves the identity's role
// for the list and hands the connection to the coordinator.
func (s *Server) connect(writer http.ResponseWriter, request *http.Request) {
	listID := mux.Vars(request)["list"]
	list, err := s.st.GetList(request.Context(), listID)
	if errors.Is(err, store.ErrNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		slog.Error("failed to load list", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	identity, role, err := s.tokens.Resolve(request.Context(), request.URL.Query().Get("token"), list)
	if err != nil {
		writer.WriteHeader(http.StatusForbidden)
		return
	}
	c, err := s.manager.Get(request.Context(), listID)
	if err != nil {
		slog.Error("failed to start coordinator", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	session, err := c.Connect(identity, role, conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	go s.readPump(c, session, conn)
}

// readPump feeds inbound frames into the coordinator until the connection
// errors, then removes the session. Per-connection ordering is preserved by
// reading sequentially here.
func (s *Server) readPump(c *coordinator.Coordinator, session *coordinator.Session, conn *websocket.Conn) {
	defer c.Disconnect(session)
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			c.HandleText(session, raw)
		case websocket.BinaryMessage:
			c.HandleBinary(session, raw)
		default:
		}
	}
}

func writeJSON(writer http.ResponseWriter, status int, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}
