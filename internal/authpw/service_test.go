package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"matheditor/internal/document"
	"matheditor/internal/store"
)

type mockUserStore struct {
	users map[string]store.User
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]store.User)}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if user, ok := m.users[email]; ok {
		return user, nil
	}
	return store.User{}, document.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) (store.User, error) {
	if _, ok := m.users[user.Email]; ok {
		return store.User{}, document.ErrAlreadyExists
	}
	m.users[user.Email] = user
	return user, nil
}

func newTestService() (*Service, *mockUserStore) {
	users := newMockUserStore()
	svc := NewService(users)
	svc.cost = bcrypt.MinCost
	return svc, users
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, users := newTestService()
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Email: " Ada@Example.com ", Password: "correct horse", Name: "Ada"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if users.users["ada@example.com"].PasswordHash == "correct horse" {
		t.Fatalf("password stored in clear")
	}

	signedIn, err := svc.SignIn(ctx, SignInRequest{Email: "ADA@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("signed in as %q, want %q", signedIn.ID, user.ID)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "ada@example.com", Password: "correct horse", Name: "Ada"}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.SignIn(ctx, SignInRequest{Email: "ada@example.com", Password: "wrong password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if _, err := svc.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "correct horse"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []SignUpRequest{
		{Email: "", Password: "correct horse", Name: "Ada"},
		{Email: "not-an-email", Password: "correct horse", Name: "Ada"},
		{Email: "ada@example.com", Password: "short", Name: "Ada"},
	}
	for _, req := range cases {
		var validation *document.ValidationError
		if _, err := svc.SignUp(ctx, req); !errors.As(err, &validation) {
			t.Errorf("SignUp(%+v) = %v, want validation error", req, err)
		}
	}

	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "ada@example.com", Password: "correct horse", Name: "Ada"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "ada@example.com", Password: "correct horse", Name: "Ada"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email: got %v", err)
	}
}
