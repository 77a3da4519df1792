package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"signal-engine/pkg/db"
)

const (
	userContextKey = "UserID"
	tokenLifetime  = 72 * time.Hour
)

// UserClaims represents JWT claims for authenticated users.
type UserClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func checkPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateToken(userID, secret string, expiresAt time.Time) (string, error) {
	claims := UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &UserClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*UserClaims); ok && token.Valid && claims.UserID != "" {
		return claims.UserID, nil
	}
	return "", errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondError(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing Authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondError(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid Authorization header")
			c.Abort()
			return
		}

		userID, err := parseToken(parts[1], secret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(userContextKey, userID)
		c.Next()
	}
}

// CurrentUserID returns the authenticated user ID from context.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// registerUser handles user registration.
func (s *Server) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	ctx := c.Request.Context()
	existing, err := s.DB.GetUserByEmail(ctx, req.Email)
	if err != nil {
		s.internalError(c, "lookup user failed", err)
		return
	}
	if existing != nil {
		respondError(c, http.StatusConflict, "EMAIL_ALREADY_REGISTERED", "email already registered")
		return
	}

	pwHash, err := hashPassword(req.Password)
	if err != nil {
		s.internalError(c, "hash password failed", err)
		return
	}

	now := time.Now().UTC()
	user := db.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: pwHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.DB.CreateUser(ctx, user); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			respondError(c, http.StatusConflict, "EMAIL_ALREADY_REGISTERED", "email already registered")
			return
		}
		s.internalError(c, "create user failed", err)
		return
	}

	s.log.Info("user registered", zap.String("user_id", user.ID))
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID})
}

// loginUser handles user login.
func (s *Server) loginUser(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "email and password are required")
		return
	}

	user, err := s.DB.GetUserByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		s.internalError(c, "lookup user failed", err)
		return
	}
	if user == nil || checkPassword(user.PasswordHash, req.Password) != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	expiresAt := time.Now().Add(tokenLifetime)
	token, err := generateToken(user.ID, s.JWTSecret, expiresAt)
	if err != nil {
		s.internalError(c, "sign token failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"user_id":    user.ID,
	})
}
