package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var testSecret = []byte("unit-test-secret")

func signToken(t *testing.T, claims Claims, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func validClaims(userID, orgID uuid.UUID) Claims {
	return Claims{
		OrganizationID: orgID.String(),
		Role:           "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestParseJWT(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()
	token := signToken(t, validClaims(userID, orgID), testSecret)

	actor, err := ParseJWT(token, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if actor.UserID != userID {
		t.Errorf("user id = %s, want %s", actor.UserID, userID)
	}
	if actor.OrganizationID != orgID {
		t.Errorf("org id = %s, want %s", actor.OrganizationID, orgID)
	}
	if actor.Role != RoleOperator {
		t.Errorf("role = %s", actor.Role)
	}
}

func TestParseJWTRejectsWrongSecret(t *testing.T) {
	token := signToken(t, validClaims(uuid.New(), uuid.New()), testSecret)
	if _, err := ParseJWT(token, []byte("other-secret")); err == nil {
		t.Error("expected signature error")
	}
}

func TestParseJWTRejectsExpired(t *testing.T) {
	claims := validClaims(uuid.New(), uuid.New())
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := signToken(t, claims, testSecret)
	if _, err := ParseJWT(token, testSecret); err == nil {
		t.Error("expected expiry error")
	}
}

func TestParseJWTRejectsBadClaims(t *testing.T) {
	userID := uuid.New()
	orgID := uuid.New()

	noSubject := validClaims(userID, orgID)
	noSubject.Subject = "not-a-uuid"
	badRole := validClaims(userID, orgID)
	badRole.Role = "superuser"
	noOrg := validClaims(userID, orgID)
	noOrg.OrganizationID = ""

	for name, claims := range map[string]Claims{
		"bad subject":  noSubject,
		"unknown role": badRole,
		"missing org":  noOrg,
	} {
		token := signToken(t, claims, testSecret)
		if _, err := ParseJWT(token, testSecret); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := ParseJWT("", testSecret); err == nil {
		t.Error("empty token: expected error")
	}
	if _, err := ParseJWT("x.y.z", nil); err == nil {
		t.Error("empty secret: expected error")
	}
}

func TestActorContextRoundTrip(t *testing.T) {
	actor := Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: RoleAdmin}
	ctx := WithActor(context.Background(), actor)

	got, ok := ActorFromContext(ctx)
	if !ok {
		t.Fatal("actor not found in context")
	}
	if got != actor {
		t.Errorf("actor = %+v, want %+v", got, actor)
	}

	if _, ok := ActorFromContext(context.Background()); ok {
		t.Error("empty context should carry no actor")
	}
}

func TestRoleAtLeast(t *testing.T) {
	cases := []struct {
		role, required Role
		want           bool
	}{
		{RoleAdmin, RoleOperator, true},
		{RoleOperator, RoleOperator, true},
		{RoleViewer, RoleOperator, false},
		{Role("unknown"), RoleViewer, false},
	}
	for _, tc := range cases {
		if got := RoleAtLeast(tc.role, tc.required); got != tc.want {
			t.Errorf("RoleAtLeast(%s, %s) = %v", tc.role, tc.required, tc.want)
		}
	}
}
