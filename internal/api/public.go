// Package api wires the public jokes API and the loopback admin API onto chi
// routers. Every public route runs behind the request pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"jokeguard/internal/auth"
	"jokeguard/internal/model"
	"jokeguard/internal/pipeline"
	"jokeguard/internal/ratelimit"
	"jokeguard/internal/storage"
)

const (
	minJokeLen     = 10
	maxJokeLen     = 500
	maxKeyNameLen  = 100
	defaultPerPage = 10
	maxPerPage     = 100
	maxBodyBytes   = 1 << 20
)

type Public struct {
	pipe      *pipeline.Pipeline
	store     storage.Store
	keyPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

func NewPublic(pipe *pipeline.Pipeline, store storage.Store, keyPrefix string, logger *slog.Logger) *Public {
	if logger == nil {
		logger = slog.Default()
	}
	return &Public{pipe: pipe, store: store, keyPrefix: keyPrefix, logger: logger, now: time.Now}
}

func (h *Public) Router() http.Handler {
	r := chi.NewRouter()
	read := h.pipe.Guard(ratelimit.TierRead, auth.KindNone)
	open := h.pipe.Guard(ratelimit.TierNone, auth.KindNone)

	r.With(read).Get("/", h.root)
	r.With(open).Get("/health", h.health)
	r.With(read).Get("/jokes/random", h.randomJoke)
	r.With(read).Get("/jokes/{id}", h.jokeByID)
	r.With(read).Get("/jokes", h.listJokes)
	r.With(h.pipe.Guard(ratelimit.TierWrite, auth.KindAPIKey)).Post("/jokes", h.createJoke)
	r.With(h.pipe.Guard(ratelimit.TierKeyIssue, auth.KindAdminSecret)).Post("/api-keys", h.createAPIKey)

	r.NotFound(open(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pipeline.WriteDetail(w, http.StatusNotFound, "Not Found")
	})).ServeHTTP)
	r.MethodNotAllowed(open(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pipeline.WriteDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})).ServeHTTP)
	return r
}

func (h *Public) root(w http.ResponseWriter, _ *http.Request) {
	pipeline.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Welcome to the Chuck Norris Jokes API!",
		"endpoints": map[string]string{
			"random_joke": "GET /jokes/random",
			"joke_by_id":  "GET /jokes/{id}",
			"all_jokes":   "GET /jokes",
			"add_joke":    "POST /jokes (requires X-API-Key)",
			"health":      "GET /health",
		},
	})
}

func (h *Public) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, db := "ok", "healthy"
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("database ping failed", "err", err)
		status, db = "degraded", "unhealthy"
	}
	pipeline.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"database":  db,
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *Public) randomJoke(w http.ResponseWriter, r *http.Request) {
	joke, err := h.store.RandomJoke(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		pipeline.WriteDetail(w, http.StatusNotFound, "No jokes found. Add some first!")
		return
	}
	if err != nil {
		h.internal(w, "random joke", err)
		return
	}
	pipeline.WriteJSON(w, http.StatusOK, joke)
}

func (h *Public) jokeByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		pipeline.WriteDetail(w, http.StatusUnprocessableEntity, "Joke id must be an integer.")
		return
	}
	joke, err := h.store.GetJoke(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		pipeline.WriteDetail(w, http.StatusNotFound, fmt.Sprintf("Joke with id %d not found.", id))
		return
	}
	if err != nil {
		h.internal(w, "get joke", err)
		return
	}
	pipeline.WriteJSON(w, http.StatusOK, joke)
}

type jokeList struct {
	Jokes   []model.Joke `json:"jokes"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

func (h *Public) listJokes(w http.ResponseWriter, r *http.Request) {
	page, ok := intParam(r, "page", 1)
	if !ok || page < 1 {
		pipeline.WriteDetail(w, http.StatusUnprocessableEntity, "page must be an integer >= 1.")
		return
	}
	perPage, ok := intParam(r, "per_page", defaultPerPage)
	if !ok || perPage < 1 || perPage > maxPerPage {
		pipeline.WriteDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("per_page must be an integer between 1 and %d.", maxPerPage))
		return
	}
	jokes, total, err := h.store.ListJokes(r.Context(), (page-1)*perPage, perPage)
	if err != nil {
		h.internal(w, "list jokes", err)
		return
	}
	pipeline.WriteJSON(w, http.StatusOK, jokeList{Jokes: jokes, Total: total, Page: page, PerPage: perPage})
}

func intParam(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func (h *Public) createJoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if n := utf8.RuneCountInString(text); n < minJokeLen || n > maxJokeLen {
		pipeline.WriteDetail(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("Joke text must be between %d and %d characters.", minJokeLen, maxJokeLen))
		return
	}
	joke, err := h.store.CreateJoke(r.Context(), text)
	if errors.Is(err, storage.ErrDuplicate) {
		pipeline.WriteDetail(w, http.StatusConflict, "This joke already exists.")
		return
	}
	if err != nil {
		h.internal(w, "create joke", err)
		return
	}
	h.pipe.EmitDomain(r, model.EventJokeCreated, http.StatusCreated, fmt.Sprintf("New joke created (id %d)", joke.ID))
	pipeline.WriteJSON(w, http.StatusCreated, joke)
}

type apiKeyResponse struct {
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
	Message string `json:"message"`
}

func (h *Public) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < 1 || n > maxKeyNameLen {
		pipeline.WriteDetail(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("Key name must be between 1 and %d characters.", maxKeyNameLen))
		return
	}
	raw, err := auth.GenerateKey(h.keyPrefix)
	if err != nil {
		h.internal(w, "generate api key", err)
		return
	}
	rec, err := h.store.CreateAPIKey(r.Context(), name, auth.Digest(raw))
	if err != nil {
		h.internal(w, "store api key", err)
		return
	}
	h.pipe.EmitDomain(r, model.EventAPIKeyCreated, http.StatusCreated, fmt.Sprintf("New API key created (id %d)", rec.ID))
	pipeline.WriteJSON(w, http.StatusCreated, apiKeyResponse{
		Name:    name,
		APIKey:  raw,
		Message: "Store this key securely. It will not be shown again.",
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		pipeline.WriteDetail(w, http.StatusUnprocessableEntity, "Request body must be a JSON object.")
		return false
	}
	return true
}

func (h *Public) internal(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", "err", err)
	pipeline.WriteDetail(w, http.StatusInternalServerError, "Internal server error.")
}
