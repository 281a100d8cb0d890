package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	userIDKey    = "userID"
	userEmailKey = "userEmail"

	// HeaderUserID carries the caller's id when header identity is trusted
	// (local development and tests).
	HeaderUserID = "X-User-ID"
)

// ErrUnauthenticated is returned when no usable identity is present.
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims is the bearer token payload issued by the identity provider. The
// user id is read from user_id, falling back to sub.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the authenticated user id carried by c.
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Authenticator resolves the caller's identity from an HS256 bearer token
// or, when allowed, from the X-User-ID header.
type Authenticator struct {
	secret      []byte
	trustHeader bool
}

// NewAuthenticator returns an Authenticator. With an empty secret only the
// header is consulted, whatever trustHeader says.
func NewAuthenticator(secret string, trustHeader bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), trustHeader: trustHeader || secret == ""}
}

// Sign issues a token for userID. Used by tests and local tooling.
func (a *Authenticator) Sign(userID, email string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates tok and returns its claims.
func (a *Authenticator) Parse(tok string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(tok, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Identity() == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// Handler authenticates the request or aborts with 401. The token comes from
// "Authorization: Bearer" or, for websocket handshakes that cannot set
// headers, the token query parameter.
func (a *Authenticator) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, email, err := a.identify(c)
		if err != nil {
			LoggerFrom(c).Debug().Err(err).Msg("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "authentication required",
			})
			return
		}
		c.Set(userIDKey, uid)
		if email != "" {
			c.Set(userEmailKey, email)
		}
		setLogger(c, LoggerFrom(c).With().Str("user_id", uid).Logger())
		c.Next()
	}
}

func (a *Authenticator) identify(c *gin.Context) (string, string, error) {
	tok := bearer(c.GetHeader("Authorization"))
	if tok == "" {
		tok = strings.TrimSpace(c.Query("token"))
	}
	if tok != "" && len(a.secret) > 0 {
		claims, err := a.Parse(tok)
		if err != nil {
			return "", "", err
		}
		return claims.Identity(), claims.Email, nil
	}
	if a.trustHeader {
		if h := strings.TrimSpace(c.GetHeader(HeaderUserID)); h != "" {
			return h, "", nil
		}
	}
	return "", "", ErrUnauthenticated
}

func bearer(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// UserID returns the identity set by the Auth handler, or "".
func UserID(c *gin.Context) string {
	v, _ := c.Get(userIDKey)
	return asString(v)
}

// UserEmail returns the email claim of the token, if there was one.
func UserEmail(c *gin.Context) string {
	v, _ := c.Get(userEmailKey)
	return asString(v)
}
