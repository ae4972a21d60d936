package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenIssuer = "examdesk"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownDepartment  = errors.New("unknown department")
	ErrInvalidToken       = errors.New("invalid token")
)

type departmentChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

type ServiceConfig struct {
	AdminNames      []string
	AdminPassword   string
	AdminDepartment string
	JWTSecret       string
	TokenTTL        time.Duration
	BcryptCost      int
}

type Service struct {
	db         *sql.DB
	depts      departmentChecker
	adminNames map[string]struct{}
	adminHash  []byte
	adminDept  string
	jwtSecret  []byte
	tokenTTL   time.Duration
	bcryptCost int
	now        func() time.Time
}

type User struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Department string    `json:"department"`
	IsAdmin    bool      `json:"isAdmin"`
	CreatedAt  time.Time `json:"createdAt"`
}

type LoginInput struct {
	Name       string
	Department string
	Password   string
}

type LoginResult struct {
	User      User
	Token     string
	ExpiresAt time.Time
}

type Claims struct {
	Name       string `json:"name"`
	Department string `json:"department"`
	Admin      bool   `json:"admin"`
	jwt.RegisteredClaims
}

// NewService hashes the admin secret once and keeps only the hash. An empty
// JWT secret is replaced by a random one, so tokens do not survive restarts.
func NewService(db *sql.DB, depts departmentChecker, cfg ServiceConfig) (*Service, error) {
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if strings.TrimSpace(cfg.AdminDepartment) == "" {
		cfg.AdminDepartment = "admin"
	}

	s := &Service{
		db:         db,
		depts:      depts,
		adminNames: make(map[string]struct{}, len(cfg.AdminNames)),
		adminDept:  strings.TrimSpace(cfg.AdminDepartment),
		tokenTTL:   cfg.TokenTTL,
		bcryptCost: cfg.BcryptCost,
		now:        time.Now,
	}
	for _, n := range cfg.AdminNames {
		if n = strings.TrimSpace(n); n != "" {
			s.adminNames[n] = struct{}{}
		}
	}
	if cfg.AdminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		s.adminHash = hash
	}

	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		generated, err := generateToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		secret = generated
	}
	s.jwtSecret = []byte(secret)
	return s, nil
}

func (s *Service) IsAdminName(name string) bool {
	_, ok := s.adminNames[strings.TrimSpace(name)]
	return ok
}

// VerifyAdminPassword reports whether password matches the configured admin
// secret. It is always false when no secret is configured.
func (s *Service) VerifyAdminPassword(password string) bool {
	if len(s.adminHash) == 0 || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.adminHash, []byte(password)) == nil
}

// Login identifies a user by name and department. Admin names require the
// admin secret and receive a signed token. Other users are created on first
// login when the department is known.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	name := strings.TrimSpace(in.Name)
	dept := strings.TrimSpace(in.Department)
	if name == "" {
		return nil, ErrInvalidInput
	}

	if s.IsAdminName(name) {
		if !s.VerifyAdminPassword(in.Password) {
			return nil, ErrInvalidCredentials
		}
		user, err := s.upsertAdmin(ctx, name)
		if err != nil {
			return nil, err
		}
		token, expiresAt, err := s.IssueAdminToken(*user)
		if err != nil {
			return nil, err
		}
		return &LoginResult{User: *user, Token: token, ExpiresAt: expiresAt}, nil
	}

	if dept == "" {
		return nil, ErrInvalidInput
	}

	user, hash, err := s.findUser(ctx, name, dept)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if errors.Is(err, sql.ErrNoRows) {
		known, err := s.depts.Exists(ctx, dept)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, ErrUnknownDepartment
		}
		user, err = s.createUser(ctx, name, dept, in.Password)
		if err != nil {
			return nil, err
		}
		return &LoginResult{User: *user}, nil
	}

	if hash != "" && in.Password != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)); err != nil {
			return nil, ErrInvalidCredentials
		}
	}
	return &LoginResult{User: *user}, nil
}

func (s *Service) IssueAdminToken(u User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := Claims{
		Name:       u.Name,
		Department: u.Department,
		Admin:      true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Service) ParseAdminToken(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !claims.Admin {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) findUser(ctx context.Context, name, dept string) (*User, string, error) {
	var (
		u         User
		hash      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, department, is_admin, password_hash, created_at
		FROM users
		WHERE name = $1 AND department = $2
	`, name, dept).Scan(&u.ID, &u.Name, &u.Department, &u.IsAdmin, &hash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("query user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	return &u, hash, nil
}

func (s *Service) createUser(ctx context.Context, name, dept, password string) (*User, error) {
	hash := ""
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(b)
	}

	var (
		u         User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, department, is_admin, password_hash, created_at)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (name, department) DO UPDATE SET name = excluded.name
		RETURNING id, name, department, is_admin, created_at
	`, name, dept, hash, s.now().UnixMilli()).Scan(&u.ID, &u.Name, &u.Department, &u.IsAdmin, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	return &u, nil
}

func (s *Service) upsertAdmin(ctx context.Context, name string) (*User, error) {
	var (
		u         User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, department, is_admin, password_hash, created_at)
		VALUES ($1, $2, TRUE, '', $3)
		ON CONFLICT (name, department) DO UPDATE SET is_admin = TRUE
		RETURNING id, name, department, is_admin, created_at
	`, name, s.adminDept, s.now().UnixMilli()).Scan(&u.ID, &u.Name, &u.Department, &u.IsAdmin, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("upsert admin user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt)
	return &u, nil
}

func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
