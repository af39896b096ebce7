package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agora/cmd/internal/chat"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *chat.WSGateway,
	rooms *chat.Registry,
	activity *chat.InteractionLog,
	deps storeDeps,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/rooms", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, roomList(rooms.Rooms()))
	})

	mux.HandleFunc("/api/activity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, activitySummary(activity))
	})

	// Topic bridging: a published post gets its own discussion room on demand.
	mux.HandleFunc("/api/topics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var in struct {
			Slug  string `json:"slug"`
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Slug == "" {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		room := rooms.ResolveTopic(in.Slug, in.Title)
		writeJSON(w, roomJSON{ID: room.ID, Name: room.Name, Kind: string(room.Kind)})
	})

	// Server-side search backing for mention and command completion.
	mux.HandleFunc("/api/search/members", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		profiles, err := deps.directory.Search(r.Context(), q, 5)
		if err != nil {
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, profiles)
	})

	mux.HandleFunc("/api/search/resources", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		resources, err := deps.resources.SearchTitles(r.Context(), q, 3)
		if err != nil {
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, resources)
	})

	mux.HandleFunc("/ws", ws.HandleWS)
}

type roomJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func roomList(rooms []chat.Room) []roomJSON {
	out := make([]roomJSON, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, roomJSON{ID: r.ID, Name: r.Name, Kind: string(r.Kind)})
	}
	return out
}

type activityJSON struct {
	Counts map[chat.InteractionKind]int `json:"counts"`
	Recent []interactionJSON            `json:"recent"`
}

type interactionJSON struct {
	ActorID  string    `json:"actor_id"`
	Kind     string    `json:"kind"`
	TargetID string    `json:"target_id"`
	At       time.Time `json:"at"`
}

func activitySummary(activity *chat.InteractionLog) activityJSON {
	recent := activity.Recent(50)
	out := activityJSON{
		Counts: activity.Counts(),
		Recent: make([]interactionJSON, 0, len(recent)),
	}
	for _, e := range recent {
		out.Recent = append(out.Recent, interactionJSON{
			ActorID:  e.ActorID,
			Kind:     string(e.Kind),
			TargetID: e.TargetID,
			At:       e.At,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
