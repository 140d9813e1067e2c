package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"instabot_go/models"
	"instabot_go/pkg/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrUserNotFound       = errors.New("user not found")
)

// Store — хранилище пользователей и refresh-сессий.
type Store interface {
	CreateUser(u models.User) (*models.User, error)
	GetUserByID(id string) (*models.User, error)
	GetUserByUsername(username string) (*models.User, error)

	AddRefreshSession(s models.RefreshSession) (*models.RefreshSession, error)
	GetRefreshSession(token string) (*models.RefreshSession, error)
	RotateRefreshSession(id int, token string, expiresIn int) error
	DeleteRefreshSession(id int) error
	DeleteRefreshSessionByToken(token string) error
	DeleteUserRefreshSessions(userID string) error
}

// TokenPair возвращается при входе и обновлении токена.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type Service struct {
	store      Store
	tokens     *Tokens
	refreshTTL time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

func NewService(store Store, tokens *Tokens, refreshTTL time.Duration, log logrus.FieldLogger) *Service {
	return &Service{store: store, tokens: tokens, refreshTTL: refreshTTL, now: time.Now, log: log}
}

// Register создаёт пользователя с bcrypt-хешем пароля.
func (s *Service) Register(username, email, password string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.store.CreateUser(models.User{
		ID:             uuid.NewString(),
		Username:       username,
		Email:          email,
		HashedPassword: string(hash),
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, err
	}
	s.log.WithField("user", u.ID).Info("[AUTH] user registered")
	return u, nil
}

// Login проверяет пароль и открывает новую refresh-сессию.
func (s *Service) Login(username, password string) (*TokenPair, error) {
	u, err := s.store.GetUserByUsername(username)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	session, err := s.store.AddRefreshSession(models.RefreshSession{
		RefreshToken: uuid.NewString(),
		ExpiresIn:    int(s.refreshTTL.Seconds()),
		UserID:       u.ID,
	})
	if err != nil {
		return nil, err
	}
	return s.pair(u.ID, session.RefreshToken)
}

// Refresh меняет refresh-токен на новый и выпускает access-токен.
// Истёкшая сессия удаляется.
func (s *Service) Refresh(refreshToken string) (*TokenPair, error) {
	if _, err := uuid.Parse(refreshToken); err != nil {
		return nil, ErrInvalidToken
	}
	session, err := s.store.GetRefreshSession(refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if session.Expired(s.now()) {
		if err := s.store.DeleteRefreshSession(session.ID); err != nil {
			s.log.Warnf("[AUTH] failed to delete expired session: %v", err)
		}
		return nil, ErrTokenExpired
	}
	if _, err := s.store.GetUserByID(session.UserID); err != nil {
		return nil, ErrInvalidToken
	}
	next := uuid.NewString()
	if err := s.store.RotateRefreshSession(session.ID, next, int(s.refreshTTL.Seconds())); err != nil {
		return nil, err
	}
	return s.pair(session.UserID, next)
}

// Logout завершает одну сессию.
func (s *Service) Logout(refreshToken string) error {
	if _, err := uuid.Parse(refreshToken); err != nil {
		return ErrInvalidToken
	}
	err := s.store.DeleteRefreshSessionByToken(refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidToken
	}
	return err
}

// LogoutAll завершает все сессии пользователя.
func (s *Service) LogoutAll(userID string) error {
	return s.store.DeleteUserRefreshSessions(userID)
}

func (s *Service) Me(userID string) (*models.User, error) {
	u, err := s.store.GetUserByID(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (s *Service) pair(userID, refresh string) (*TokenPair, error) {
	access, err := s.tokens.Issue(userID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}
