package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/access"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/auth"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/config"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/face"
	httpmiddleware "github.com/MarkerViktor/access-acontrol-system.main-node/internal/http/middleware"
	"github.com/MarkerViktor/access-acontrol-system.main-node/internal/task"
)

type Handler struct {
	cfg           *config.Config
	pool          *pgxpool.Pool
	redis         *redis.Client
	auth          *auth.Service
	access        *access.Service
	tasks         *task.Service
	publicLimiter *httpmiddleware.RateLimiter
	authLimiter   *httpmiddleware.RateLimiter
}

func NewHandler(cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client, authService *auth.Service, accessService *access.Service, taskService *task.Service) *Handler {
	return &Handler{
		cfg:           cfg,
		pool:          pool,
		redis:         redisClient,
		auth:          authService,
		access:        accessService,
		tasks:         taskService,
		publicLimiter: httpmiddleware.NewRateLimiter(cfg.RateLimitPublic.RequestsPerSecond, cfg.RateLimitPublic.Burst),
		authLimiter:   httpmiddleware.NewRateLimiter(cfg.RateLimitAuth.RequestsPerSecond, cfg.RateLimitAuth.Burst),
	}
}

// NewRouter returns the configured router.
func NewRouter(cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client, authService *auth.Service, accessService *access.Service, taskService *task.Service) http.Handler {
	return NewHandler(cfg, pool, redisClient, authService, accessService, taskService).Routes()
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(httpmiddleware.Logging)
	r.Use(httpmiddleware.Recover)

	r.Group(func(public chi.Router) {
		public.Use(httpmiddleware.IPRateLimit(h.publicLimiter))

		public.Get("/health", h.Health)
		public.Get("/ready", h.Ready)
		public.Post("/auth/room-login", h.RoomLogin)
	})

	r.Group(func(private chi.Router) {
		private.Use(httpmiddleware.Auth(h.auth))
		private.Use(httpmiddleware.IdentityRateLimit(h.authLimiter))

		private.Group(func(room chi.Router) {
			room.Use(httpmiddleware.RequireRoom)

			room.Post("/access/check", h.CheckAccess)
			room.Get("/tasks/next", h.NextTask)
			room.Post("/tasks/{taskID}/report", h.ReportTask)
			room.Post("/visits", h.ReportVisit)
		})

		private.Group(func(admin chi.Router) {
			admin.Use(httpmiddleware.RequireAdmin)

			admin.Route("/admin", func(r chi.Router) {
				r.Route("/users", func(u chi.Router) {
					u.Get("/", h.ListUsers)
					u.Post("/", h.CreateUser)
					u.Get("/{id}", h.GetUser)
					u.Patch("/{id}", h.UpdateUser)
					u.Delete("/{id}", h.DeleteUser)
					u.Post("/{id}/descriptors", h.EnrollDescriptor)
					u.Delete("/{id}/descriptors", h.RemoveUserDescriptors)
				})
				r.Delete("/descriptors/{id}", h.RemoveDescriptor)

				r.Route("/permissions", func(p chi.Router) {
					p.Post("/access/grant", h.GrantAccess)
					p.Post("/access/revoke", h.RevokeAccess)
					p.Post("/control/grant", h.GrantControl)
					p.Post("/control/revoke", h.RevokeControl)
				})

				r.Get("/permissions/resolve", h.ResolveAccess)

				r.Route("/rooms/{id}", func(rm chi.Router) {
					rm.Get("/", h.GetRoom)
					rm.Get("/users", h.AccessedUsers)
					rm.Get("/tasks", h.ListRoomTasks)
					rm.Post("/tasks", h.CreateRoomTask)
					rm.Post("/login-token", h.RotateRoomLoginToken)
					rm.Delete("/tokens", h.RevokeRoomTokens)
				})
				r.Get("/managers/{id}/rooms", h.ControlledRooms)

				r.Get("/tasks/{id}", h.GetTask)
				r.Get("/visits", h.ListVisits)

				r.Post("/admins/{id}/token", h.RotateAdminToken)
				r.Delete("/admins/{id}/token", h.RevokeAdminToken)
			})
		})
	})

	return r
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready checks Postgres and Redis connectivity.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbErr := h.pool.Ping(ctx)
	redisErr := h.redis.Ping(ctx).Err()

	if dbErr != nil || redisErr != nil {
		WriteError(w, http.StatusServiceUnavailable, "INTERNAL", "dependencies unavailable", map[string]any{
			"db":    errorString(dbErr),
			"redis": errorString(redisErr),
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// writeServiceError maps domain errors onto the envelope.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		WriteError(w, http.StatusUnauthorized, "AUTH", "invalid token", nil)
	case errors.Is(err, access.ErrForbidden):
		WriteError(w, http.StatusForbidden, "FORBIDDEN", "insufficient authority", nil)
	case errors.Is(err, access.ErrNotFound), errors.Is(err, task.ErrUnknownTask), errors.Is(err, task.ErrUnknownRoom):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	case errors.Is(err, task.ErrStaleTransition):
		WriteError(w, http.StatusConflict, "CONFLICT", "task already finished", nil)
	case errors.Is(err, task.ErrValidation), errors.Is(err, face.ErrBadDimension):
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
	default:
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
