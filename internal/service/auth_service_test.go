package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
	"collab-sync-server/pkg/hash"
	. "collab-sync-server/pkg/jwt"
)

type mockUserRepository struct {
	users map[string]*domain.User
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{
		users: make(map[string]*domain.User),
	}
}

func (m *mockUserRepository) Create(ctx context.Context, user *domain.User) error {
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *mockUserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockUserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	if user, ok := m.users[id]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *mockUserRepository) FindByIDs(ctx context.Context, ids []string) ([]*domain.User, error) {
	var users []*domain.User
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			copied := *user
			users = append(users, &copied)
		}
	}
	return users, nil
}

func (m *mockUserRepository) Update(ctx context.Context, user *domain.User) error {
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *mockUserRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := m.FindByEmail(ctx, email)
	return err == nil, nil
}

var testHasher = hash.NewHasher(4)

func newTestAuthService(repo *mockUserRepository, secret string) *AuthService {
	return NewAuthService(repo, testHasher, domain.RoleEditor, secret, 15*time.Minute, 7*24*time.Hour)
}

func TestAuthService_Register(t *testing.T) {
	ctx := context.Background()
	repo := newMockUserRepository()
	service := newTestAuthService(repo, "test-secret")

	tests := []struct {
		name    string
		req     *domain.RegisterRequest
		wantErr error
		setup   func()
	}{
		{
			name: "successful registration",
			req: &domain.RegisterRequest{
				Email:     "new@example.com",
				Password:  "Password123!",
				FirstName: "Ada",
			},
			setup: func() {},
		},
		{
			name: "duplicate email",
			req: &domain.RegisterRequest{
				Email:    "existing@example.com",
				Password: "Password123!",
			},
			wantErr: ErrEmailTaken,
			setup: func() {
				hashedPw, _ := testHasher.Hash("ExistingPass123!")
				repo.Create(ctx, &domain.User{
					ID:       "existing-id",
					Email:    "existing@example.com",
					Password: hashedPw,
				})
			},
		},
		{
			name: "weak password",
			req: &domain.RegisterRequest{
				Email:    "test@example.com",
				Password: "weak",
			},
			wantErr: hash.ErrPasswordTooShort,
			setup:   func() {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo.users = make(map[string]*domain.User)
			tt.setup()

			user, err := service.Register(ctx, tt.req)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Register() unexpected error = %v", err)
			}

			if user.Password != "" {
				t.Error("Register() returned the password hash")
			}
			if user.Role != domain.RoleEditor {
				t.Errorf("Register() role = %q, want %q", user.Role, domain.RoleEditor)
			}

			stored, err := repo.FindByEmail(ctx, tt.req.Email)
			if err != nil {
				t.Fatal("Register() user not created in repository")
			}
			if testHasher.Compare(stored.Password, tt.req.Password) != nil {
				t.Error("Register() stored a hash that does not match")
			}
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	ctx := context.Background()
	repo := newMockUserRepository()
	secret := "test-secret-key"
	service := newTestAuthService(repo, secret)

	password := "UserPassword123!"
	hashedPassword, _ := testHasher.Hash(password)

	repo.Create(ctx, &domain.User{
		ID:       "test-user-id",
		Email:    "test@example.com",
		Password: hashedPassword,
		Role:     domain.RoleAdmin,
	})

	tests := []struct {
		name    string
		req     *domain.LoginRequest
		wantErr bool
	}{
		{
			name: "successful login",
			req: &domain.LoginRequest{
				Email:    "test@example.com",
				Password: password,
			},
			wantErr: false,
		},
		{
			name: "wrong password",
			req: &domain.LoginRequest{
				Email:    "test@example.com",
				Password: "WrongPassword",
			},
			wantErr: true,
		},
		{
			name: "non-existent email",
			req: &domain.LoginRequest{
				Email:    "nonexistent@example.com",
				Password: password,
			},
			wantErr: true,
		},
		{
			name: "empty password",
			req: &domain.LoginRequest{
				Email:    "test@example.com",
				Password: "",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := service.Login(ctx, tt.req)

			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Login() unexpected error = %v", err)
			}

			if resp.AccessToken == "" {
				t.Error("Login() returned empty access token")
			}
			if resp.RefreshToken == "" {
				t.Error("Login() returned empty refresh token")
			}
			if resp.User == nil {
				t.Fatal("Login() returned nil user")
			}
			if resp.User.Password != "" {
				t.Error("Login() returned user with password (security issue)")
			}
			if resp.ExpiresIn != int64(15*time.Minute.Seconds()) {
				t.Errorf("Login() expiresIn = %v, want %v", resp.ExpiresIn, 15*60)
			}

			claims, err := ValidateAccessToken(resp.AccessToken, secret)
			if err != nil {
				t.Fatalf("access token rejected: %v", err)
			}
			if claims.Role != domain.RoleAdmin {
				t.Errorf("access token role = %q, want %q", claims.Role, domain.RoleAdmin)
			}
		})
	}
}

func TestAuthService_RefreshToken(t *testing.T) {
	ctx := context.Background()
	repo := newMockUserRepository()
	secret := "refresh-test-secret-key"
	service := newTestAuthService(repo, secret)

	repo.Create(ctx, &domain.User{
		ID:       "refresh-user-id",
		Email:    "refresh@example.com",
		Password: "hashed",
		Role:     domain.RoleEditor,
	})

	validToken, _ := GenerateRefreshToken("refresh-user-id", 7*24*time.Hour, secret)
	expiredToken, _ := GenerateRefreshToken("refresh-user-id", -1*time.Hour, secret)
	accessToken, _ := GenerateToken("refresh-user-id", domain.RoleEditor, time.Hour, secret)
	orphanToken, _ := GenerateRefreshToken("deleted-user-id", time.Hour, secret)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid refresh token", token: validToken},
		{name: "expired refresh token", token: expiredToken, wantErr: true},
		{name: "access token", token: accessToken, wantErr: true},
		{name: "unknown user", token: orphanToken, wantErr: true},
		{name: "invalid refresh token", token: "invalid.token.here", wantErr: true},
		{name: "empty refresh token", token: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := service.RefreshToken(ctx, &domain.RefreshTokenRequest{RefreshToken: tt.token})

			if tt.wantErr {
				if err == nil {
					t.Error("RefreshToken() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("RefreshToken() unexpected error = %v", err)
			}
			if resp.AccessToken == "" {
				t.Error("RefreshToken() returned empty access token")
			}
			if resp.ExpiresIn != int64(15*time.Minute.Seconds()) {
				t.Errorf("RefreshToken() expiresIn = %v, want %v", resp.ExpiresIn, 15*60)
			}
		})
	}
}

func TestAuthService_RefreshPicksUpRoleChange(t *testing.T) {
	ctx := context.Background()
	repo := newMockUserRepository()
	secret := "role-secret"
	service := newTestAuthService(repo, secret)

	repo.Create(ctx, &domain.User{ID: "u1", Email: "u1@example.com", Role: domain.RoleEditor})
	refresh, _ := GenerateRefreshToken("u1", time.Hour, secret)

	repo.users["u1"].Role = domain.RoleAdmin

	resp, err := service.RefreshToken(ctx, &domain.RefreshTokenRequest{RefreshToken: refresh})
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	claims, err := service.ValidateToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Role != domain.RoleAdmin {
		t.Errorf("role = %q, want %q", claims.Role, domain.RoleAdmin)
	}
}

func TestAuthService_ValidateToken(t *testing.T) {
	repo := newMockUserRepository()
	secret := "validation-test-secret"
	service := newTestAuthService(repo, secret)

	validToken, _ := GenerateToken("user-id", domain.RoleEditor, 1*time.Hour, secret)
	refreshToken, _ := GenerateRefreshToken("user-id", 1*time.Hour, secret)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid token", token: validToken},
		{name: "refresh token", token: refreshToken, wantErr: true},
		{name: "invalid token", token: "invalid.token.format", wantErr: true},
		{name: "empty token", token: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateToken(tt.token)

			if tt.wantErr {
				if err == nil {
					t.Error("ValidateToken() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("ValidateToken() unexpected error = %v", err)
			}
			if claims == nil || claims.UserID != "user-id" {
				t.Errorf("ValidateToken() claims = %+v", claims)
			}
		})
	}
}
