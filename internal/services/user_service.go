// Package services – UserService
//
// UserService is the read side of the identity provider: a directory of
// profiles that the provider syncs in and the rest of the core looks up
// (email lookups for startChat, profiles embedded in listings).
package services

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/tbourn/onechat-realtime/internal/domain"
	"github.com/tbourn/onechat-realtime/internal/repo"
)

// UserService manages the user directory.
type UserService struct {
	DB *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{DB: db}
}

var emailFolder = cases.Fold()

// NormalizeEmail trims and case-folds an email address and rejects anything
// that is not a bare address.
func NormalizeEmail(raw string) (string, error) {
	s := emailFolder.String(strings.TrimSpace(raw))
	if s == "" {
		return "", invalid("email is required")
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", invalid("malformed email")
	}
	return s, nil
}

// Upsert stores or refreshes a profile. The email must be unique across users.
func (s *UserService) Upsert(ctx context.Context, u domain.User) (*domain.User, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Upsert", trace.WithAttributes(attribute.String("user.id", u.ID)))
	defer span.End()

	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		return nil, invalid("user id is required")
	}
	email, err := NormalizeEmail(u.Email)
	if err != nil {
		return nil, err
	}
	u.Email = email
	u.DisplayName = trimOptional(u.DisplayName)
	u.AvatarURL = trimOptional(u.AvatarURL)

	if err := repo.UpsertUser(ctx, s.DB, &u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, invalid("email already belongs to another user")
		}
		return nil, Transient(err)
	}
	return s.Get(ctx, u.ID)
}

// Get returns the profile of id.
func (s *UserService) Get(ctx context.Context, id string) (*domain.User, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("user.id", id)))
	defer span.End()

	u, err := repo.GetUser(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, Transient(err)
	}
	return u, nil
}

// FindByEmail looks a user up by email after normalization.
func (s *UserService) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "FindByEmail")
	defer span.End()

	norm, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	u, err := repo.GetUserByEmail(ctx, s.DB, norm)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, Transient(err)
	}
	return u, nil
}

// Profiles returns a profile for every id. Ids missing from the directory get
// a bare User carrying only the id, so projections are never partial.
func (s *UserService) Profiles(ctx context.Context, ids []string) (map[string]domain.User, error) {
	return profiles(ctx, s.DB, ids)
}

func profiles(ctx context.Context, db *gorm.DB, ids []string) (map[string]domain.User, error) {
	found, err := repo.GetUsers(ctx, db, ids)
	if err != nil {
		return nil, Transient(err)
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			found[id] = domain.User{ID: id}
		}
	}
	return found, nil
}

func trimOptional(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
