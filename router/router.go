// Package router registers all HTTP endpoints using vanilla net/http
// (Go 1.22+ mux) plus the event websocket.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fpv-tools/racetimer/auth"
	"github.com/fpv-tools/racetimer/clock"
	"github.com/fpv-tools/racetimer/events"
	"github.com/fpv-tools/racetimer/middleware"
	"github.com/fpv-tools/racetimer/race"
	"github.com/fpv-tools/racetimer/store"
)

// Deps holds all dependencies for the router.
type Deps struct {
	Users      store.UserStore
	Races      store.RaceStore
	Manager    *race.Manager
	Bus        *events.Bus
	Clock      *clock.Service
	Hasher     *auth.Hasher
	JWTSecret  []byte
	SessionTTL time.Duration
	Log        zerolog.Logger
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := middleware.RequireAuth(d.JWTSecret, d.Users)
	canReadPilots := middleware.RequirePermission(store.PermReadPilots)
	canWritePilots := middleware.RequirePermission(store.PermWritePilots)
	canControl := middleware.RequirePermission(store.PermSystemControl)
	canResetPassword := middleware.RequirePermission(store.PermResetPassword)

	// ---- session ----
	mux.HandleFunc("GET /", index())
	mux.HandleFunc("POST /login", login(d))
	mux.HandleFunc("GET /logout", logout())
	mux.Handle("POST /reset-password",
		requireAuth(canResetPassword(http.HandlerFunc(resetPassword(d)))))

	// ---- pilots ----
	mux.Handle("GET /pilots", requireAuth(canReadPilots(http.HandlerFunc(streamPilots(d)))))
	mux.Handle("POST /pilots", requireAuth(canWritePilots(http.HandlerFunc(createPilot(d)))))
	mux.Handle("PUT /pilots/{id}", requireAuth(canWritePilots(http.HandlerFunc(updatePilot(d)))))
	mux.Handle("DELETE /pilots/{id}", requireAuth(canWritePilots(http.HandlerFunc(deletePilot(d)))))

	// ---- race control ----
	mux.Handle("GET /race", requireAuth(http.HandlerFunc(raceStatus(d))))
	mux.Handle("POST /race/schedule", requireAuth(canControl(http.HandlerFunc(scheduleRace(d)))))
	mux.Handle("POST /race/stop", requireAuth(canControl(http.HandlerFunc(stopRace(d)))))
	mux.Handle("POST /race/reset", requireAuth(canControl(http.HandlerFunc(resetRace(d)))))

	// ---- events ----
	mux.HandleFunc("GET /ws", serveWS(d))

	// ---- system ----
	mux.HandleFunc("GET /health", health())

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// raceErrorStatus maps manager errors onto HTTP codes.
func raceErrorStatus(err error) int {
	switch {
	case errors.Is(err, race.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, race.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func index() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<body><h1>racetimer</h1></body>"))
	}
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ---- session handlers ----

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}

		// A lookup miss and a bad password produce the same response so
		// usernames cannot be probed.
		user, err := d.Users.UserByUsername(r.Context(), body.Username)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ok, err := d.Hasher.Verify(r.Context(), user.PasswordHash, body.Password, user.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}

		token, err := auth.IssueSessionToken(d.JWTSecret, user.AuthID, d.SessionTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		setSessionCookie(w, token, d.SessionTTL)

		// Post-login bookkeeping runs off the request path; failures are
		// logged and swallowed.
		go updateLoginTime(d, user.ID)
		go checkRehash(d, user, body.Password)

		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"reset_required": user.ResetRequired,
		})
	}
}

func logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func resetPassword(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password    string `json:"password"`
			NewPassword string `json:"new_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.NewPassword == "" {
			writeError(w, http.StatusBadRequest, "new_password is required")
			return
		}
		user := middleware.ContextUser(r)

		ok, err := d.Hasher.Verify(r.Context(), user.PasswordHash, body.Password, user.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"success": false})
			return
		}

		hash, err := d.Hasher.Hash(r.Context(), body.NewPassword)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if err := d.Users.UpdatePassword(r.Context(), user.ID, hash); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.Users.SetResetRequired(ctx, user.ID, false); err != nil {
				d.Log.Warn().Err(err).Str("username", user.Username).
					Msg("clear reset_required failed")
			}
		}()

		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func setSessionCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// updateLoginTime records the login instant in the background.
func updateLoginTime(d Deps, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Users.UpdateLastLogin(ctx, userID); err != nil {
		d.Log.Warn().Err(err).Int64("user_id", userID).Msg("update last_login failed")
	}
}

// checkRehash upgrades the stored hash when the policy has strengthened
// since it was produced. The plaintext is only available at login.
func checkRehash(d Deps, user *store.User, password string) {
	if !d.Hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hash, err := d.Hasher.Hash(ctx, password)
	if err != nil {
		d.Log.Warn().Err(err).Str("username", user.Username).Msg("rehash failed")
		return
	}
	if err := d.Users.UpdatePassword(ctx, user.ID, hash); err != nil {
		d.Log.Warn().Err(err).Str("username", user.Username).Msg("store rehash failed")
	}
}

// ---- pilot handlers ----

// streamPilots writes newline-delimited JSON, one pilot per line, straight
// from the store cursor.
func streamPilots(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		flusher, _ := w.(http.Flusher)

		err := d.Races.ForEachPilot(r.Context(), func(p *store.Pilot) error {
			if err := enc.Encode(p); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err != nil {
			d.Log.Warn().Err(err).Msg("pilot stream aborted")
		}
	}
}

func createPilot(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body store.Pilot
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Callsign == "" {
			writeError(w, http.StatusBadRequest, "callsign is required")
			return
		}
		pilot, err := d.Races.CreatePilot(r.Context(), &body)
		if errors.Is(err, store.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "callsign already exists")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		d.Bus.Publish(events.PilotAdd, pilot)
		writeJSON(w, http.StatusCreated, pilot)
	}
}

func updatePilot(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pilot id")
			return
		}
		var body store.Pilot
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		body.ID = id
		pilot, err := d.Races.UpdatePilot(r.Context(), &body)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pilot not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		d.Bus.Publish(events.PilotAlter, pilot)
		writeJSON(w, http.StatusOK, pilot)
	}
}

func deletePilot(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid pilot id")
			return
		}
		err = d.Races.DeletePilot(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pilot not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		d.Bus.Publish(events.PilotDelete, map[string]int64{"id": id})
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- race handlers ----

func raceStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   d.Manager.Status().String(),
			"schedule": d.Manager.Schedule(),
		})
	}
}

func scheduleRace(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Schedule      race.Schedule `json:"schedule"`
			StartDelaySec float64       `json:"start_delay_sec"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}

		assignedStart := d.Clock.Now() + time.Duration(body.StartDelaySec*float64(time.Second))
		if err := d.Manager.ScheduleRace(body.Schedule, assignedStart); err != nil {
			writeError(w, raceErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         d.Manager.Status().String(),
			"assigned_start": assignedStart.Seconds(),
		})
	}
}

func stopRace(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Manager.StopRace()
		writeJSON(w, http.StatusOK, map[string]any{"status": d.Manager.Status().String()})
	}
}

func resetRace(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Manager.Reset()
		writeJSON(w, http.StatusOK, map[string]any{"status": d.Manager.Status().String()})
	}
}
