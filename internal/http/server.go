package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"schoolhub/identity/internal/auth"
	"schoolhub/identity/internal/config"
	"schoolhub/identity/internal/csrf"
	"schoolhub/identity/internal/metrics"
	"schoolhub/identity/internal/model"
	"schoolhub/identity/internal/ratelimit"
	"schoolhub/identity/internal/session"
)

const (
	refreshCookieName = "refreshToken"
	refreshCookiePath = "/auth"

	defaultListLimit = 100
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

type Deps struct {
	Sessions       *session.Service
	Issuer         *auth.Issuer
	CSRF           *csrf.Guard
	Metrics        *metrics.Metrics
	Logger         logrus.FieldLogger
	LoginLimiter   ratelimit.Limiter
	RefreshLimiter ratelimit.Limiter
}

type Server struct {
	cfg            config.Config
	sessions       *session.Service
	issuer         *auth.Issuer
	csrf           *csrf.Guard
	metrics        *metrics.Metrics
	log            logrus.FieldLogger
	loginLimiter   ratelimit.Limiter
	refreshLimiter ratelimit.Limiter
	clientIP       *ratelimit.ClientIPResolver
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Sessions == nil || deps.Issuer == nil || deps.CSRF == nil {
		return nil, errors.New("http: sessions, issuer and csrf guard are required")
	}
	clientIP, err := ratelimit.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:            cfg,
		sessions:       deps.Sessions,
		issuer:         deps.Issuer,
		csrf:           deps.CSRF,
		metrics:        deps.Metrics,
		log:            deps.Logger,
		loginLimiter:   deps.LoginLimiter,
		refreshLimiter: deps.RefreshLimiter,
		clientIP:       clientIP,
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.loginLimiter == nil {
		s.loginLimiter = ratelimit.NewMemoryLimiter(cfg.LoginRateLimit, cfg.RateLimitWindow)
	}
	if s.refreshLimiter == nil {
		s.refreshLimiter = ratelimit.NewMemoryLimiter(cfg.RefreshRateLimit, cfg.RateLimitWindow)
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	loginLimit := s.limit(s.loginLimiter, "login")
	registerLimit := s.limit(s.loginLimiter, "register")
	refreshLimit := s.limit(s.refreshLimiter, "refresh")

	// Probes and scrapers above never rotate the browser's CSRF token.
	r.Group(func(r chi.Router) {
		r.Use(s.csrf.IssueOnRead)
		r.Get("/csrf-token", s.handleCSRFToken)

		r.Route("/auth", func(r chi.Router) {
			r.With(registerLimit).Post("/register-admin", s.handleRegisterAdmin)
			r.With(registerLimit).Post("/register-teacher", s.handleRegisterTeacher)
			r.With(loginLimit).Post("/login", s.handleLogin)
			r.With(refreshLimit, s.csrf.Require).Post("/refresh", s.handleRefresh)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.Get("/me", s.handleGetMe)
				r.With(s.csrf.Require).Post("/logout", s.handleLogout)
				r.With(s.csrf.Require).Post("/change-password", s.handleChangePassword)
			})
		})

		r.Route("/users", func(r chi.Router) {
			r.Use(s.authenticate, s.requireRoles(model.RoleAdmin))
			r.Get("/", s.handleListUsers)
			r.With(s.csrf.Require).Patch("/{userID}", s.handleUpdateUser)
			r.With(s.csrf.Require).Post("/{userID}/revoke-sessions", s.handleRevokeSessions)
		})

		r.With(s.authenticate, s.requireRoles(model.RoleTeacher)).Get("/teachers/me", s.handleGetTeacherMe)
	})

	return r
}

func (s *Server) limit(limiter ratelimit.Limiter, scope string) func(http.Handler) http.Handler {
	return ratelimit.Middleware(limiter, ratelimit.Config{
		Scope:     scope,
		Key:       s.clientIP.ClientIP,
		Logger:    s.log,
		OnLimited: s.metrics.RateLimited,
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerTeacherRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	// Accepted for compatibility and ignored; self-registration is always
	// a teacher.
	Role string `json:"role,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	Role     *string `json:"role"`
	IsActive *bool   `json:"isActive"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

type teacherResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type registeredResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type authResponse struct {
	AccessToken string       `json:"accessToken"`
	User        userResponse `json:"user"`
}

type meResponse struct {
	User    userResponse     `json:"user"`
	Teacher *teacherResponse `json:"teacher,omitempty"`
}

func mapUser(user model.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Role:      string(user.Role),
		IsActive:  user.IsActive,
		CreatedAt: user.CreatedAt,
	}
}

func mapTeacher(profile model.TeacherProfile) teacherResponse {
	return teacherResponse{
		ID:        profile.ID,
		UserID:    profile.UserID,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
	}
}

func (s *Server) handleRegisterAdmin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	user, err := s.sessions.RegisterAdmin(r.Context(), session.Credentials{Email: req.Email, Password: req.Password}, s.requestMeta(r))
	if err != nil {
		s.writeServiceError(w, r, "register_admin", err)
		return
	}
	writeJSON(w, http.StatusCreated, registeredResponse{ID: user.ID, Email: user.Email, Role: string(user.Role)})
}

func (s *Server) handleRegisterTeacher(w http.ResponseWriter, r *http.Request) {
	var req registerTeacherRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	user, _, err := s.sessions.RegisterTeacher(r.Context(), session.TeacherRegistration{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}, s.requestMeta(r))
	if err != nil {
		s.writeServiceError(w, r, "register_teacher", err)
		return
	}
	writeJSON(w, http.StatusCreated, registeredResponse{ID: user.ID, Email: user.Email, Role: string(user.Role)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	tokens, err := s.sessions.Login(r.Context(), req.Email, req.Password, s.requestMeta(r))
	if err != nil {
		s.metrics.Login(outcome(err, session.ErrInvalidCredentials))
		s.writeServiceError(w, r, "login", err)
		return
	}
	s.metrics.Login("success")

	s.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, authResponse{AccessToken: tokens.AccessToken, User: mapUser(tokens.User)})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var refreshToken string
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		refreshToken = cookie.Value
	}

	tokens, err := s.sessions.Refresh(r.Context(), refreshToken, s.requestMeta(r))
	if err != nil {
		s.metrics.Refresh(outcome(err, session.ErrInvalidRefreshToken))
		if errors.Is(err, session.ErrInvalidRefreshToken) {
			s.clearRefreshCookie(w)
		}
		s.writeServiceError(w, r, "refresh", err)
		return
	}
	s.metrics.Refresh("success")

	s.setRefreshCookie(w, tokens.RefreshToken)
	writeJSON(w, http.StatusOK, authResponse{AccessToken: tokens.AccessToken, User: mapUser(tokens.User)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var refreshToken string
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		refreshToken = cookie.Value
	}
	if err := s.sessions.Logout(r.Context(), user.ID, refreshToken, s.requestMeta(r)); err != nil {
		s.writeServiceError(w, r, "logout", err)
		return
	}
	s.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	err := s.sessions.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword, s.requestMeta(r))
	if errors.Is(err, session.ErrInvalidCredentials) {
		writeError(w, http.StatusBadRequest, "invalid_current_password")
		return
	}
	if err != nil {
		s.writeServiceError(w, r, "change_password", err)
		return
	}
	s.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	resp := meResponse{User: mapUser(user)}
	if user.Role == model.RoleTeacher {
		profile, err := s.sessions.TeacherProfile(r.Context(), user.ID)
		switch {
		case err == nil:
			teacher := mapTeacher(profile)
			resp.Teacher = &teacher
		case !errors.Is(err, session.ErrNotFound):
			s.writeServiceError(w, r, "get_me", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTeacherMe(w http.ResponseWriter, r *http.Request) {
	profile, ok := teacherFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusNotFound, "teacher_profile_not_found")
		return
	}
	writeJSON(w, http.StatusOK, mapTeacher(profile))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		if parsed > maxListLimit {
			parsed = maxListLimit
		}
		limit = parsed
	}

	users, err := s.sessions.ListUsers(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, "list_users", err)
		return
	}
	resp := make([]userResponse, 0, len(users))
	for _, user := range users {
		resp = append(resp, mapUser(user))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	userID := chi.URLParam(r, "userID")

	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	update := model.UserUpdate{Email: req.Email, IsActive: req.IsActive}
	if req.Role != nil {
		role, ok := model.ParseRole(*req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_role")
			return
		}
		update.Role = &role
	}

	user, err := s.sessions.UpdateUser(r.Context(), actor.ID, userID, update)
	if err != nil {
		s.writeServiceError(w, r, "update_user", err)
		return
	}
	writeJSON(w, http.StatusOK, mapUser(user))
}

func (s *Server) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	actor, _ := userFromContext(r.Context())
	revoked, err := s.sessions.RevokeAll(r.Context(), actor.ID, chi.URLParam(r, "userID"))
	if err != nil {
		s.writeServiceError(w, r, "revoke_sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": revoked})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	set, ok := s.issuer.JWKS()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	token := w.Header().Get(csrf.HeaderName)
	if token == "" {
		issued, err := s.csrf.Issue()
		if err != nil {
			s.writeServiceError(w, r, "csrf_token", err)
			return
		}
		s.csrf.SetCookie(w, issued)
		token = issued
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		Domain:   s.cfg.CookieDomain,
		MaxAge:   int(s.cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   s.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// writeServiceError maps session errors onto status codes. Anything it does
// not recognise is logged and reported as server_error.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, session.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
	case errors.Is(err, session.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired")
	case errors.Is(err, session.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid_token")
	case errors.Is(err, session.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, session.ErrAdminExists):
		writeError(w, http.StatusBadRequest, "admin_exists")
	case errors.Is(err, session.ErrEmailTaken):
		writeError(w, http.StatusBadRequest, "email_taken")
	case errors.Is(err, session.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "weak_password")
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"op":         op,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

func outcome(err, expected error) string {
	if errors.Is(err, expected) {
		return "failure"
	}
	return "error"
}

func (s *Server) requestMeta(r *http.Request) session.Meta {
	return session.Meta{UserAgent: r.UserAgent(), IP: s.clientIP.ClientIP(r)}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
