package auth

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"studybroker/internal/engine"
	"studybroker/internal/model"
	"studybroker/internal/store"
)

// Handler serves the authentication endpoints.
type Handler struct {
	store     *store.Store
	jwtSecret string
}

func NewHandler(s *store.Store, jwtSecret string) *Handler {
	return &Handler{store: s, jwtSecret: jwtSecret}
}

// RegisterRoutes registers the auth routes; none of them require a token.
func RegisterRoutes(app *fiber.App, h *Handler) {
	grp := app.Group("/api/auth")
	grp.Post("/register", h.Register)
	grp.Post("/login", h.Login)
	grp.Post("/refresh", h.Refresh)
	grp.Post("/logout", h.Logout)
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	if body.Username == "" || len(body.Password) < 8 {
		return engine.ValidationError("Username and a password of at least 8 characters are required")
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		return engine.InternalError(err)
	}
	user := &model.User{
		ID:           uuid.NewString(),
		Username:     body.Username,
		PasswordHash: hash,
		Active:       true,
		Life:         model.NewLife(""),
	}
	if err := h.store.CreateUser(c.Context(), user); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return engine.ConsistencyError("Username has been used.")
		}
		return engine.InternalError(err)
	}
	return c.Status(201).JSON(fiber.Map{"data": user})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	if body.Username == "" || body.Password == "" {
		return engine.UnauthorizedError("Username and password are required")
	}

	user, err := h.store.UserByUsername(c.Context(), body.Username)
	if err != nil {
		return engine.UnauthorizedError("Invalid username or password")
	}
	if !user.Active {
		return engine.UnauthorizedError("Account is disabled")
	}
	if !CheckPassword(body.Password, user.PasswordHash) {
		return engine.UnauthorizedError("Invalid username or password")
	}

	pair, err := h.issueTokens(c.Context(), user)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. Refresh tokens rotate: the
// presented token is consumed whether or not a new pair is issued.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()
	rt, err := h.store.GetRefreshToken(ctx, body.RefreshToken)
	if err != nil {
		return engine.UnauthorizedError("Invalid refresh token")
	}
	_ = h.store.DeleteRefreshToken(ctx, body.RefreshToken)

	if time.Now().UnixMilli() > rt.ExpiresTime {
		return engine.UnauthorizedError("Refresh token expired")
	}
	user, err := h.store.GetUser(ctx, rt.UserID)
	if err != nil || !user.Active {
		return engine.UnauthorizedError("Account is disabled")
	}

	pair, err := h.issueTokens(ctx, user)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.ValidationError("Invalid request body")
	}
	if body.RefreshToken != "" {
		_ = h.store.DeleteRefreshToken(c.Context(), body.RefreshToken)
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

func (h *Handler) issueTokens(ctx context.Context, user *model.User) (*TokenPair, error) {
	access, err := GenerateAccessToken(user.ID, user.Roles, h.jwtSecret)
	if err != nil {
		return nil, engine.InternalError(err)
	}

	now := time.Now()
	refresh := &model.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Token:       GenerateRefreshToken(),
		ExpiresTime: now.Add(RefreshTokenTTL).UnixMilli(),
		CreatedTime: now.UnixMilli(),
	}
	if err := h.store.InsertRefreshToken(ctx, refresh); err != nil {
		return nil, engine.InternalError(err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh.Token}, nil
}
