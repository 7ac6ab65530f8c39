package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"schoolhub/identity/internal/model"
	"schoolhub/identity/internal/session"
)

type userKey struct{}

type teacherKey struct{}

type logInfoKey struct{}

// logInfo lets inner middleware hand details back to the request logger.
type logInfo struct {
	userID string
}

func userFromContext(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(userKey{}).(model.User)
	return user, ok
}

func teacherFromContext(ctx context.Context) (model.TeacherProfile, bool) {
	profile, ok := ctx.Value(teacherKey{}).(model.TeacherProfile)
	return profile, ok
}

// authenticate resolves the bearer token to an active user and stores it in
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		user, err := s.sessions.Authenticate(r.Context(), token)
		if err != nil {
			s.writeServiceError(w, r, "authenticate", err)
			return
		}

		if info, ok := r.Context().Value(logInfoKey{}).(*logInfo); ok {
			info.userID = user.ID
		}
		ctx := context.WithValue(r.Context(), userKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRoles must run after authenticate. Teachers additionally get their
// profile attached; a teacher account without one cannot use teacher routes.
func (s *Server) requireRoles(roles ...model.Role) func(http.Handler) http.Handler {
	required := make([]string, 0, len(roles))
	for _, role := range roles {
		required = append(required, string(role))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := userFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !hasRole(user.Role, roles) {
				writeJSON(w, http.StatusForbidden, map[string]interface{}{
					"error":         "forbidden",
					"requiredRoles": required,
				})
				return
			}

			ctx := r.Context()
			if user.Role == model.RoleTeacher {
				profile, err := s.sessions.TeacherProfile(ctx, user.ID)
				if err != nil {
					if errors.Is(err, session.ErrNotFound) {
						writeError(w, http.StatusNotFound, "teacher_profile_not_found")
						return
					}
					s.writeServiceError(w, r, "resolve_teacher", err)
					return
				}
				ctx = context.WithValue(ctx, teacherKey{}, profile)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasRole(role model.Role, allowed []model.Role) bool {
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &logInfo{}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), logInfoKey{}, info)))

		fields := logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if info.userID != "" {
			fields["user_id"] = info.userID
		}
		s.log.WithFields(fields).Info("request")
	})
}
