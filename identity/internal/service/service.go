package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/backbone/common/apperrors"
	"github.com/telhawk-systems/backbone/common/audit"
	"github.com/telhawk-systems/backbone/common/authz"
	"github.com/telhawk-systems/backbone/common/events"
	"github.com/telhawk-systems/backbone/common/logging"
	"github.com/telhawk-systems/backbone/common/messaging"
	"github.com/telhawk-systems/backbone/common/outbox"
	"github.com/telhawk-systems/backbone/common/revocation"
	"github.com/telhawk-systems/backbone/common/tokens"
	"github.com/telhawk-systems/backbone/identity/internal/models"
	"github.com/telhawk-systems/backbone/identity/internal/repository"
)

// ServiceName is the event source name of this service.
const ServiceName = "identity"

var ErrInvalidCredentials = errors.New("invalid credentials")

// Config tunes the identity service.
type Config struct {
	BcryptCost int
	TokenTTL   time.Duration
}

type IdentityService struct {
	repo    repository.Repository
	writer  *outbox.Writer
	issuer  *tokens.Issuer
	revoked revocation.Store
	audit   *audit.Logger
	logger  *logging.Logger
	cfg     Config
	now     func() time.Time
}

func NewIdentityService(repo repository.Repository, writer *outbox.Writer, issuer *tokens.Issuer, revoked revocation.Store, auditLog *audit.Logger, logger *logging.Logger, cfg Config) *IdentityService {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = logging.Default()
	}
	if auditLog == nil {
		auditLog = audit.NewLogger("", logger)
	}
	return &IdentityService{
		repo:    repo,
		writer:  writer,
		issuer:  issuer,
		revoked: revoked,
		audit:   auditLog,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Register creates a customer with the default roles.
func (s *IdentityService) Register(ctx context.Context, req *models.RegisterRequest, sourceIP string) (*models.Customer, error) {
	return s.create(ctx, req, models.DefaultRoles(), sourceIP)
}

func (s *IdentityService) create(ctx context.Context, req *models.RegisterRequest, roles []string, sourceIP string) (*models.Customer, error) {
	if msg := req.Validate(); msg != "" {
		return nil, apperrors.Validation(msg)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("hash password: %w", err))
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("generate customer id: %w", err))
	}

	c := &models.Customer{
		ID:           id.String(),
		Username:     req.Username,
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: string(hash),
		Roles:        roles,
		Version:      1,
		CreatedAt:    s.now().UTC(),
	}

	err = s.writer.Do(ctx, c.ID, func(ctx context.Context) error {
		if err := s.repo.CreateCustomer(ctx, c); err != nil {
			return err
		}
		return s.emit(ctx, c, messaging.EventCustomerRegistered, events.CustomerRegistered{
			CustomerID: c.ID,
			Username:   c.Username,
			Email:      c.Email,
			Name:       c.Name,
			Roles:      c.Roles,
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrCustomerExists) {
			s.audit.Record(ctx, "registration rejected", audit.Record{
				Actor: req.Username, Action: audit.ActionRegister, Resource: "customer",
				Result: audit.ResultFailure, Reason: "username or email taken", SourceIP: sourceIP,
			})
			return nil, apperrors.Wrap(apperrors.CodeConflict, err, "username or email already registered")
		}
		return nil, apperrors.Internal(err)
	}

	s.audit.Record(ctx, "customer registered", audit.Record{
		Actor: c.ID, Action: audit.ActionRegister, Resource: "customer/" + c.ID,
		Result: audit.ResultSuccess, SourceIP: sourceIP,
	})
	return c, nil
}

// Login verifies credentials and issues an access token.
func (s *IdentityService) Login(ctx context.Context, req *models.LoginRequest, sourceIP string) (*models.LoginResponse, error) {
	fail := func(actor, reason string) error {
		s.audit.Record(ctx, "login failed", audit.Record{
			Actor: actor, Action: audit.ActionLogin, Resource: "session",
			Result: audit.ResultFailure, Reason: reason, SourceIP: sourceIP,
		})
		return apperrors.Wrap(apperrors.CodeAuthentication, ErrInvalidCredentials, "invalid credentials")
	}

	c, err := s.repo.GetCustomerByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			return nil, fail(req.Username, "unknown username")
		}
		return nil, apperrors.Internal(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fail(c.ID, "wrong password")
	}
	if !c.IsActive() {
		return nil, fail(c.ID, "customer deactivated")
	}

	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = tokens.DefaultTTL
	}
	token, err := s.issuer.Issue(c.ID, c.Roles, ttl)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("issue token: %w", err))
	}

	s.audit.Record(ctx, "login succeeded", audit.Record{
		Actor: c.ID, Action: audit.ActionLogin, Resource: "session",
		Result: audit.ResultSuccess, SourceIP: sourceIP,
	})
	return &models.LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		ExpiresAt:   s.now().Add(ttl).UTC(),
	}, nil
}

// Logout revokes the presented token until it would have expired anyway.
func (s *IdentityService) Logout(ctx context.Context, claims *tokens.Claims, sourceIP string) error {
	if claims.ID == "" {
		return apperrors.Validation("token has no id")
	}
	if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt); err != nil {
		return apperrors.Wrap(apperrors.CodeTransientUpstream, err, "revocation store unavailable")
	}
	s.audit.Record(ctx, "logout", audit.Record{
		Actor: claims.Subject, Action: audit.ActionLogout, Resource: "session/" + claims.ID,
		Result: audit.ResultSuccess, SourceIP: sourceIP,
	})
	return nil
}

// Me returns the caller's own record.
func (s *IdentityService) Me(ctx context.Context, claims *tokens.Claims) (*models.Customer, error) {
	c, err := s.repo.GetCustomerByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			return nil, apperrors.NotFound("customer not found")
		}
		return nil, apperrors.Internal(err)
	}
	return c, nil
}

// Deactivate disables a customer. Only admins may call it; deactivating an
// inactive customer is a conflict.
func (s *IdentityService) Deactivate(ctx context.Context, actor *tokens.Claims, customerID string) (*models.Customer, error) {
	if !actor.HasRole(authz.RoleAdmin) {
		return nil, apperrors.Authorization("admin role required")
	}

	var out *models.Customer
	err := s.writer.Do(ctx, customerID, func(ctx context.Context) error {
		c, err := s.repo.GetCustomerByID(ctx, customerID)
		if err != nil {
			return err
		}
		if !c.IsActive() {
			return apperrors.Conflict("customer already deactivated")
		}
		at := s.now().UTC()
		c.DeactivatedAt = &at
		c.Version++
		if err := s.repo.UpdateCustomer(ctx, c); err != nil {
			return err
		}
		out = c
		return s.emit(ctx, c, messaging.EventCustomerDeactivated, events.CustomerDeactivated{
			CustomerID:    c.ID,
			DeactivatedAt: at,
			DeactivatedBy: actor.Subject,
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomerNotFound):
			return nil, apperrors.NotFound("customer not found")
		case errors.Is(err, repository.ErrVersionConflict):
			return nil, apperrors.Wrap(apperrors.CodeConflict, err, "customer was modified concurrently, retry")
		case apperrors.IsClassified(err):
			return nil, err
		default:
			return nil, apperrors.Internal(err)
		}
	}

	s.audit.Record(ctx, "customer deactivated", audit.Record{
		Actor: actor.Subject, Action: audit.ActionDeactivate, Resource: "customer/" + customerID,
		Result: audit.ResultSuccess,
	})
	return out, nil
}

// EnsureAdmin creates the bootstrap administrator unless the username exists.
func (s *IdentityService) EnsureAdmin(ctx context.Context, username, email, password string) error {
	if username == "" {
		return nil
	}
	if _, err := s.repo.GetCustomerByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrCustomerNotFound) {
		return err
	}

	req := &models.RegisterRequest{Username: username, Email: email, Name: "Administrator", Password: password}
	_, err := s.create(ctx, req, []string{authz.RoleAdmin, authz.RoleStaff}, "")
	if err != nil && apperrors.HasCode(err, apperrors.CodeConflict) {
		return nil
	}
	if err == nil {
		s.logger.InfoContext(ctx, "bootstrap admin created", "username", username)
	}
	return err
}

func (s *IdentityService) emit(ctx context.Context, c *models.Customer, eventType string, payload any) error {
	env, err := messaging.NewEnvelope(ctx, ServiceName, eventType, c.ID, c.Version, payload)
	if err != nil {
		return err
	}
	return s.writer.Emit(ctx, messaging.TopicIdentity, env)
}
