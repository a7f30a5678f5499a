package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianhealth/provider-validation/internal/model"
	"github.com/meridianhealth/provider-validation/internal/monitoring"
	"github.com/meridianhealth/provider-validation/internal/notify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the validation API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background health checks.
		collector := monitoring.NewCollector(env.Store, time.Duration(cfg.Monitoring.StaleAfterSecs)*time.Second)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		checker := monitoring.NewChecker(collector, alerter, env.Hub, cfg.Monitoring)
		go checker.Run(ctx)

		router := newRouter(env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/validation", func(r chi.Router) {
		r.Post("/trigger", handleTrigger(env))
		r.Post("/progress", handleProgress(env))
		r.Get("/jobs", handleListJobs(env))
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", handleGetJob(env))
			r.Post("/cancel", handleCancelJob(env))
			r.Get("/validations", handleListValidations(env))
			r.Get("/events", handleJobEvents(env))
		})
	})

	r.Get("/api/events", handleBroadcastEvents(env))

	r.Route("/api/trust", func(r chi.Router) {
		r.Get("/scores", handleListScores(env))
		r.Get("/score", handleGetScore(env))
		r.Post("/feedback", handleFeedback(env))
		r.Post("/initialize", handleInitializeScores(env))
	})

	return r
}

func handleTrigger(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProviderIDs []string `json:"provider_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		job, err := env.Orch.TriggerValidation(r.Context(), req.ProviderIDs)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, job)
	}
}

func handleProgress(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev model.StageEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if ev.JobID == "" || ev.ProviderID == "" {
			writeError(w, http.StatusBadRequest, "job_id and provider_id are required")
			return
		}

		if err := env.Orch.RelayStageEvent(r.Context(), ev); err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func handleListJobs(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := env.Orch.GetRecentJobs(r.Context(), limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetJob(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := env.Orch.GetJobStatus(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancelJob(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if err := env.Orch.CancelJob(r.Context(), jobID); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID,
			"status": string(model.JobStatusCancelled),
		})
	}
}

func handleListValidations(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := env.Orch.ValidationHistory(r.Context(),
			chi.URLParam(r, "jobID"),
			r.URL.Query().Get("provider_id"),
		)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	}
}

// handleJobEvents streams a job's notification topic as server-sent events.
func handleJobEvents(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamEvents(env, notify.JobTopic(chi.URLParam(r, "jobID")), w, r)
	}
}

func handleBroadcastEvents(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamEvents(env, notify.BroadcastTopic, w, r)
	}
}

func streamEvents(env *appEnv, topic string, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := env.Hub.Subscribe(topic)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				zap.L().Error("serve: marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func handleListScores(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scores, err := env.Trust.ListScores(r.Context())
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, scores)
	}
}

func handleGetScore(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		field := r.URL.Query().Get("field")
		if source == "" || field == "" {
			writeError(w, http.StatusBadRequest, "source and field are required")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"source_name": source,
			"field_name":  field,
			"score":       env.Trust.GetScore(r.Context(), source, field),
		})
	}
}

func handleFeedback(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ValidationID   string `json:"validation_id"`
			Source         string `json:"source"`
			Field          string `json:"field"`
			IsCorrect      bool   `json:"is_correct"`
			CorrectedValue string `json:"corrected_value"`
			SubmittedBy    string `json:"submitted_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ValidationID == "" || req.Source == "" || req.Field == "" {
			writeError(w, http.StatusBadRequest, "validation_id, source, and field are required")
			return
		}

		score, err := env.Trust.SubmitFeedback(r.Context(), model.Feedback{
			ValidationID:   req.ValidationID,
			IsCorrect:      req.IsCorrect,
			CorrectedValue: req.CorrectedValue,
			SubmittedBy:    req.SubmittedBy,
		}, req.Source, req.Field)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, score)
	}
}

func handleInitializeScores(env *appEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := env.Trust.InitializeDefaults(r.Context()); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting state")
	case errors.Is(err, model.ErrValidationFault):
		writeError(w, http.StatusBadRequest, eris.Cause(err).Error())
	default:
		zap.L().Error("serve: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
