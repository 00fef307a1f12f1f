// Package api exposes task actors over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"go-redteam/internal/storage"
	"go-redteam/pkg/events"
	"go-redteam/pkg/logger"
	"go-redteam/pkg/messages"
	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
	"go-redteam/pkg/tools"
)

// SessionReader serves finished sessions.
type SessionReader interface {
	Get(ctx context.Context, id string) (models.TaskStatus, error)
	List(ctx context.Context, limit int) ([]models.TaskStatus, error)
}

// WebSessions exposes the cookie sessions of the web tool.
type WebSessions interface {
	Sessions() []string
	Tokens(sessionID string) map[string]string
}

type Options struct {
	Addr        string
	DefaultMode string
	// Producer creates the actor running each task.
	Producer actor.Producer
	Tools    interface{ List() []tools.Descriptor }
	Bus      *events.Bus
	Sessions SessionReader
	Web      WebSessions
	// AskTimeout bounds status and cancel requests to task actors.
	AskTimeout time.Duration
}

type command struct {
	Objective string `json:"objective"`
	Mode      string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	ac       *actor.RootContext
	opts     Options
	requests *requestsCache
	handler  http.Handler
	server   *http.Server
}

func New(ac *actor.RootContext, opts Options) *Server {
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = 10 * time.Second
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = prompts.WebCTFMode.Name
	}
	s := &Server{
		ac:       ac,
		opts:     opts,
		requests: newRequestsCache(),
	}

	r := chi.NewRouter()
	r.Use(logMiddleware())
	r.Post("/new", s.newTask)
	r.Get("/status/{id}", s.status)
	r.Post("/cancel/{id}", s.cancel)
	r.Get("/tools", s.listTools)
	r.Get("/modes", s.listModes)
	r.Get("/sessions", s.listSessions)
	r.Get("/sessions/{id}", s.getSession)
	r.Get("/events/{id}", s.streamEvents)
	r.Get("/web/sessions", s.listWebSessions)

	s.handler = r
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.opts.Addr).Msg("http server starting")
	err := s.server.ListenAndServe()
	if err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down and cancels every running task.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	for _, pid := range s.requests.all() {
		s.ac.Send(pid, messages.Cancel{})
	}
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) newTask(w http.ResponseWriter, r *http.Request) {
	cmd := command{}
	if err := unmarshalRequestBody(r, &cmd); err != nil {
		writeError(w, r, http.StatusBadRequest, "unable to parse body")
		return
	}
	if strings.TrimSpace(cmd.Objective) == "" {
		writeError(w, r, http.StatusBadRequest, "objective is required")
		return
	}
	if cmd.Mode == "" {
		cmd.Mode = s.opts.DefaultMode
	}
	mode, ok := prompts.LookupMode(cmd.Mode)
	if !ok {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", cmd.Mode))
		return
	}

	decider := func(reason interface{}) actor.Directive {
		log.Error().Msgf("handling failure for task actor. reason: %v", reason)
		return actor.StopDirective
	}
	strategy := actor.NewOneForOneStrategy(3, 10000, decider)
	props := actor.PropsFromProducer(s.opts.Producer, actor.WithSupervisor(strategy))
	pid := s.ac.Spawn(props)

	id := uuid.New()
	s.ac.Send(pid, messages.NewObjective{RequestID: id, Objective: cmd.Objective, Mode: mode.Name})
	s.requests.add(id, pid)

	hlog.FromRequest(r).Info().Str(logger.TaskField, id.String()).Str(logger.ModeField, mode.Name).Msg("task started")
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, struct {
		ID   string `json:"id"`
		Mode string `json:"mode"`
	}{id.String(), mode.Name})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	withTurns, _ := strconv.ParseBool(r.URL.Query().Get("turns"))

	pid, ok := s.requests.get(id)
	if !ok {
		s.storedSession(w, r, id.String())
		return
	}
	s.ask(w, r, id, pid, messages.GetStatus{WithTurns: withTurns})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	pid, ok := s.requests.get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "task not found")
		return
	}
	s.ask(w, r, id, pid, messages.Cancel{})
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request, id uuid.UUID, pid *actor.PID, msg interface{}) {
	res, err := s.ac.RequestFuture(pid, msg, s.opts.AskTimeout).Result()
	if err != nil {
		s.requests.remove(id)
		hlog.FromRequest(r).Error().Str(logger.TaskField, id.String()).Err(err).Msg("unable to get status from actor")
		writeError(w, r, http.StatusInternalServerError, "task did not respond")
		return
	}
	st, ok := res.(models.TaskStatus)
	if !ok {
		hlog.FromRequest(r).Error().Str(logger.TaskField, id.String()).Msgf("unknown reply from actor: %T", res)
		writeError(w, r, http.StatusInternalServerError, "unknown reply from task")
		return
	}
	render.JSON(w, r, st)
}

func (s *Server) storedSession(w http.ResponseWriter, r *http.Request, id string) {
	if s.opts.Sessions == nil {
		writeError(w, r, http.StatusNotFound, "task not found")
		return
	}
	st, err := s.opts.Sessions.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str(logger.TaskField, id).Msg("unable to read session")
		writeError(w, r, http.StatusInternalServerError, "unable to read session")
		return
	}
	render.JSON(w, r, st)
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.opts.Tools.List())
}

func (s *Server) listModes(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, prompts.Modes())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session storage is disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.opts.Sessions.List(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("unable to list sessions")
		writeError(w, r, http.StatusInternalServerError, "unable to list sessions")
		return
	}
	if list == nil {
		list = []models.TaskStatus{}
	}
	render.JSON(w, r, list)
}

type webSession struct {
	ID     string            `json:"id"`
	Tokens map[string]string `json:"tokens"`
}

// listWebSessions reports the web tool sessions and the anti-forgery
// tokens captured in each.
func (s *Server) listWebSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Web == nil {
		writeError(w, r, http.StatusServiceUnavailable, "web tool is not registered")
		return
	}
	out := []webSession{}
	for _, id := range s.opts.Web.Sessions() {
		tokens := s.opts.Web.Tokens(id)
		if tokens == nil {
			tokens = map[string]string{}
		}
		out = append(out, webSession{ID: id, Tokens: tokens})
	}
	render.JSON(w, r, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.storedSession(w, r, chi.URLParam(r, "id"))
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unable to parse id")
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

func logMiddleware() func(http.Handler) http.Handler {
	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.UserAgentHandler("agent"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("verb", r.Method).
			Stringer("url", r.URL).
			Int("size", size).
			Int("status", status).
			Int64("duration", duration.Milliseconds()).
			Msg("REQ")
	}))

	return c.Then
}

func unmarshalRequestBody(req *http.Request, output interface{}) error {
	if req.Body == nil {
		return errors.New("invalid body in request")
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return err
	}
	if err = req.Body.Close(); err != nil {
		return err
	}
	return json.Unmarshal(body, output)
}
