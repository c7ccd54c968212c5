/*
Package auth implements account signup, login and session tokens.

PURPOSE:
  Users created by an event invitation exist without a password
  (incomplete). Signup completes such a record or creates a new one; login
  checks the bcrypt hash and opens a session. Tokens are HS256 JWTs that
  carry the user id and the session id. Logout clears the session, so every
  token issued for it stops resolving.

SEE ALSO:
  - ledger/ledger.go: CreateUser / UpdateUser used to persist accounts
  - api/middleware.go: Bearer token resolution per request
*/
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/warp/pool-ledger/ledger"
	"golang.org/x/crypto/bcrypt"
)

// Users is the account storage the service needs. *ledger.Ledger satisfies it.
type Users interface {
	CreateUser(ctx context.Context, nu ledger.NewUser) (*ledger.User, error)
	GetUser(ctx context.Context, id ledger.UserID) (*ledger.User, error)
	FindUserByEmail(ctx context.Context, email string) (*ledger.User, error)
	UpdateUser(ctx context.Context, id ledger.UserID, mutate func(*ledger.User) error) (*ledger.User, error)
}

// Service is the authentication collaborator.
type Service struct {
	users  Users
	tokens *JWTManager
	cost   int
	logger *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithBcryptCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an auth service.
func NewService(users Users, tokens *JWTManager, opts ...Option) *Service {
	s := &Service{
		users:  users,
		tokens: tokens,
		cost:   bcrypt.DefaultCost,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "auth")
	return s
}

// Session is a successful signup or login.
type Session struct {
	User  *ledger.User `json:"user"`
	Token string       `json:"token"`
}

// SignupRequest holds the fields for Signup.
type SignupRequest struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
}

// Signup registers an account. An incomplete user with the same email
// (created by an invitation) is completed in place and keeps its balance
// and events.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*Session, error) {
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(req.Password, s.cost)
	if err != nil {
		return nil, err
	}

	existing, err := s.users.FindUserByEmail(ctx, req.Email)
	switch {
	case err == nil:
		if !existing.Incomplete() {
			return nil, ErrEmailExists
		}
		return s.complete(ctx, existing.ID, req, hash)
	case !ledger.IsNotFound(err):
		return nil, err
	}

	u, err := s.users.CreateUser(ctx, ledger.NewUser{
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PasswordHash: hash,
	})
	if errors.Is(err, ledger.ErrDuplicateEmail) {
		return nil, ErrEmailExists
	}
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "user signed up", "user_id", u.ID)
	return s.openSession(ctx, u.ID)
}

// complete fills in an incomplete user. A concurrent signup that got there
// first turns this one into ErrEmailExists.
func (s *Service) complete(ctx context.Context, id ledger.UserID, req SignupRequest, hash string) (*Session, error) {
	sessionID := uuid.NewString()
	u, err := s.users.UpdateUser(ctx, id, func(u *ledger.User) error {
		if !u.Incomplete() {
			return ErrEmailExists
		}
		u.FirstName = strings.TrimSpace(req.FirstName)
		u.LastName = strings.TrimSpace(req.LastName)
		u.PasswordHash = hash
		u.SessionID = sessionID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "invited user completed signup", "user_id", u.ID)
	return s.issue(u, sessionID)
}

// Login checks credentials and rotates the user's session.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if u.Incomplete() || !CheckPassword(u.PasswordHash, password) {
		s.logger.WarnContext(ctx, "login failed", "user_id", u.ID)
		return nil, ErrInvalidCredentials
	}
	return s.openSession(ctx, u.ID)
}

// Logout ends the user's session. Outstanding tokens stop resolving.
func (s *Service) Logout(ctx context.Context, id ledger.UserID) error {
	_, err := s.users.UpdateUser(ctx, id, func(u *ledger.User) error {
		u.SessionID = ""
		return nil
	})
	if err == nil {
		s.logger.InfoContext(ctx, "user logged out", "user_id", id)
	}
	return err
}

// Resolve returns the user a token belongs to, if its session is current.
func (s *Service) Resolve(ctx context.Context, token string) (*ledger.User, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetUser(ctx, ledger.UserID(claims.UserID))
	if ledger.IsNotFound(err) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if u.SessionID == "" || u.SessionID != claims.SessionID {
		return nil, ErrInvalidToken
	}
	return u, nil
}

func (s *Service) openSession(ctx context.Context, id ledger.UserID) (*Session, error) {
	sessionID := uuid.NewString()
	u, err := s.users.UpdateUser(ctx, id, func(u *ledger.User) error {
		u.SessionID = sessionID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.issue(u, sessionID)
}

func (s *Service) issue(u *ledger.User, sessionID string) (*Session, error) {
	token, err := s.tokens.Generate(string(u.ID), sessionID)
	if err != nil {
		return nil, err
	}
	return &Session{User: u, Token: token}, nil
}
