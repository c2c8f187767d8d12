package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/streamcast/livecast/internal/chat"
	"github.com/streamcast/livecast/store"
)

const (
	hasAuth = 1 << iota
	hasCreator
)

// activityKinds are the activity types accepted over the HTTP hook.
var activityKinds = map[string]bool{
	"like":      true,
	"subscribe": true,
}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app  *App
	room string

	// user is the resolved display name, "" when anonymous.
	user string
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

// tpl is the envelope for all HTML template executions.
type tpl struct {
	Config *chat.Config
	Data   tplData
}

type tplData struct {
	Title string
	Room  string
	Auth  bool
}

// wireMessage is the HTTP history projection of a stored chat message,
// matching the websocket chat event shape.
type wireMessage struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	IsMod     bool   `json:"isMod"`
}

// wireActivity is the HTTP history projection of a stored activity.
type wireActivity struct {
	ID           string `json:"id"`
	ActivityType string `json:"activity_type"`
	User         string `json:"user"`
	Timestamp    int64  `json:"timestamp"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// handleIndex renders the homepage.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)
	respondHTML("index", tplData{
		Title: app.cfg.Name,
	}, http.StatusOK, w, app)
}

// handleRoomPage renders the watch page for a streamer's room.
func handleRoomPage(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	out := tplData{
		Title: ctx.room,
		Room:  ctx.room,
	}
	if ctx.user != "" {
		out.Auth = true
	}

	// Disable browser caching.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	respondHTML("room", out, http.StatusOK, w, app)
}

// handleWS upgrades the connection and runs a chat session for the room.
// The session blocks here until the viewer disconnects.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(int64(app.cfg.MaxMessageLen))

	conn := chat.NewConn(ws, app.cfg.WSTimeout)
	chat.NewSession(app.chat, ctx.room, conn, ctx.user).Run()
}

// handleChatHistory returns the room's recent chat messages, oldest first.
func handleChatHistory(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	msgs, err := app.store.RecentMessages(ctx.room, app.cfg.ChatHistorySize)
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room).Msg("error fetching chat history")
		respondJSON(w, nil, errors.New("error fetching chat history"), http.StatusInternalServerError)
		return
	}

	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMessage{
			ID:        msgID(m.ID),
			User:      m.Sender,
			Text:      m.Text,
			Timestamp: m.CreatedAt.UnixMilli(),
			IsMod:     m.IsMod,
		})
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleActivityHistory returns the room's recent activities, oldest first.
func handleActivityHistory(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	acts, err := app.store.RecentActivities(ctx.room, app.cfg.ActivityHistorySize)
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room).Msg("error fetching activity history")
		respondJSON(w, nil, errors.New("error fetching activity history"), http.StatusInternalServerError)
		return
	}

	out := make([]wireActivity, 0, len(acts))
	for _, a := range acts {
		out = append(out, wireActivity{
			ID:           actID(a.ID),
			ActivityType: a.Kind,
			User:         a.Username,
			Timestamp:    a.CreatedAt.UnixMilli(),
		})
	}
	respondJSON(w, out, nil, http.StatusOK)
}

// handleStats returns the live dashboard metrics for a room: chat rate
// over the last minute, subscribes over the current session window, and
// the live viewer count from the connection registry.
func handleStats(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
		now = time.Now()
	)

	chatRate, err := app.store.CountMessagesSince(ctx.room, now.Add(-time.Minute))
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room).Msg("error counting messages")
	}
	newSubs, err := app.store.CountActivitiesSince(ctx.room, "subscribe", now.Add(-4*time.Hour))
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room).Msg("error counting activities")
	}

	respondJSON(w, struct {
		ChatRate       int `json:"chat_rate"`
		NewSubs        int `json:"new_subs"`
		CurrentViewers int `json:"current_viewers"`
	}{chatRate, newSubs, app.chat.ViewerCount(ctx.room)}, nil, http.StatusOK)
}

// handlePostActivity records a like / subscribe activity against a room
// and announces it to everyone watching.
func handlePostActivity(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	var req struct {
		ActivityType string `json:"activity_type"`
	}
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}
	if !activityKinds[req.ActivityType] {
		respondJSON(w, nil, errors.New("invalid activity type"), http.StatusBadRequest)
		return
	}

	id, err := app.store.AddActivity(store.Activity{
		Room:     ctx.room,
		Username: ctx.user,
		Kind:     req.ActivityType,
	})
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room).Msg("error persisting activity")
		respondJSON(w, nil, errors.New("error recording activity"), http.StatusInternalServerError)
		return
	}

	app.chat.BroadcastActivity(ctx.room, req.ActivityType, ctx.user)
	respondJSON(w, struct {
		ID string `json:"id"`
	}{actID(id)}, nil, http.StatusOK)
}

// handleStatus lets the creator flip the stream's live flag; the change is
// announced to the room immediately.
func handleStatus(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	var req struct {
		IsLive bool `json:"is_live"`
	}
	if err := readJSONReq(r, &req); err != nil {
		respondJSON(w, nil, errors.New("error parsing JSON request"), http.StatusBadRequest)
		return
	}

	app.chat.BroadcastStatusUpdate(ctx.room, req.IsLive)
	respondJSON(w, true, nil, http.StatusOK)
}

// handleClip logs a clip marker at the current stream time.
func handleClip(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
		now = time.Now()
	)

	id, err := app.store.AddClip(store.Clip{
		Room:     ctx.room,
		Username: ctx.user,
		ClipAt:   now,
	})
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room).Msg("error persisting clip")
		respondJSON(w, nil, errors.New("error logging clip"), http.StatusInternalServerError)
		return
	}

	respondJSON(w, struct {
		ClipID    int64  `json:"clip_id"`
		Timestamp string `json:"timestamp"`
	}{id, now.Format(time.RFC3339)}, nil, http.StatusOK)
}

// handleMarker saves a labelled stream marker.
func handleMarker(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
		now = time.Now()
	)

	var req struct {
		Label string `json:"label"`
	}
	// The body is optional; an empty marker is just a timestamp.
	readJSONReq(r, &req)

	id, err := app.store.AddMarker(store.Marker{
		Room:     ctx.room,
		Username: ctx.user,
		Label:    req.Label,
		MarkerAt: now,
	})
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room).Msg("error persisting marker")
		respondJSON(w, nil, errors.New("error saving marker"), http.StatusInternalServerError)
		return
	}

	respondJSON(w, struct {
		MarkerID  int64  `json:"marker_id"`
		Timestamp string `json:"timestamp"`
	}{id, now.Format(time.RFC3339)}, nil, http.StatusOK)
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Error().Err(err).Msg("error marshalling JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Write(b)
}

// respondHTML responds to an HTTP request with the HTML output of a given template.
func respondHTML(tplName string, data tplData, statusCode int, w http.ResponseWriter, app *App) {
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := app.tpl.ExecuteTemplate(w, tplName, tpl{
		Config: app.cfg,
		Data:   data,
	})
	if err != nil {
		app.log.Error().Err(err).Str("template", tplName).Msg("error rendering template")
		w.Write([]byte("error rendering template"))
	}
}

// wrap is a middleware that resolves identity and room for HTTP handlers.
// It attaches the app and request contexts to handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{
			app:  app,
			room: chi.URLParam(r, "room"),
		}

		// Resolve identity from the bearer token (or the ?token= query
		// param for websocket clients). Resolution failures mean an
		// anonymous request, not a hard error.
		user, err := app.auth.Resolve(bearerToken(r))
		if err != nil {
			app.log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("invalid token")
		}
		req.user = user

		if opts&hasAuth != 0 && req.user == "" {
			respondJSON(w, nil, errors.New("authentication required"), http.StatusUnauthorized)
			return
		}
		if opts&hasCreator != 0 && req.user != req.room {
			respondJSON(w, nil, errors.New("only the creator can do this"), http.StatusForbidden)
			return
		}

		// Attach the request context.
		ctx := context.WithValue(r.Context(), "ctx", req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from the Authorization header,
// falling back to the token query param used by websocket clients.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// readJSONReq reads the JSON body from a request and unmarshals it to the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, o)
}

func msgID(id int64) string {
	return "msg-" + intStr(id)
}

func actID(id int64) string {
	return "act-" + intStr(id)
}

func intStr(id int64) string {
	return strconv.FormatInt(id, 10)
}
