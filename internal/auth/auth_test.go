package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	xerrors "superdao-relay/internal/errors"
)

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, Secret: "s3cret", Issuer: "superdaod", TTLSeconds: 60})
	require.NoError(t, err)
	return svc
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := newJWTService(t)
	token, expires, err := svc.Issue("ops", []string{PermJobsRead, " JOBS:READ ", PermWhitelistWrite}, 0)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	require.Equal(t, "ops", subject.Username)
	require.Equal(t, []string{PermJobsRead, PermWhitelistWrite}, subject.Permissions)
	require.NoError(t, subject.Authorize(PermJobsRead))
	require.Equal(t, xerrors.CodePermissionDenied, xerrors.CodeOf(subject.Authorize(PermJobsWrite)))
}

func TestAuthenticateRejects(t *testing.T) {
	svc := newJWTService(t)
	other, err := NewService(Config{Mode: ModeJWT, Secret: "other", Issuer: "superdaod"})
	require.NoError(t, err)
	foreign, _, err := other.Issue("ops", AllPermissions, time.Minute)
	require.NoError(t, err)

	expired, _, err := svc.Issue("ops", AllPermissions, time.Minute)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{"foreign": foreign, "expired": expired, "none": unsigned, "garbage": "a.b.c"} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Authenticate(token)
			require.Equal(t, xerrors.CodeUnauthenticated, xerrors.CodeOf(err))
		})
	}

	_, err = svc.AuthenticateRequest(context.Background(), "Basic Zm9vOmJhcg==")
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{Mode: ModeJWT})
	require.Error(t, err)
	_, err = NewService(Config{Mode: "oauth"})
	require.Error(t, err)

	disabled, err := NewService(Config{})
	require.NoError(t, err)
	require.Equal(t, ModeDisabled, disabled.Mode())
	_, _, err = disabled.Issue("ops", nil, 0)
	require.ErrorIs(t, err, ErrDisabled)
}

func TestRequireMiddleware(t *testing.T) {
	svc := newJWTService(t)
	var seen *Subject
	handler := svc.Require(PermJobsWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(authorization string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do("")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.JSONEq(t, `{"code":"UNAUTHENTICATED","message":"missing bearer token"}`, rec.Body.String())

	readOnly, _, err := svc.Issue("viewer", []string{PermJobsRead}, 0)
	require.NoError(t, err)
	rec = do("Bearer " + readOnly)
	require.Equal(t, http.StatusForbidden, rec.Code)

	writer, _, err := svc.Issue("ops", []string{PermJobsWrite}, 0)
	require.NoError(t, err)
	rec = do("Bearer " + writer)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "ops", seen.Username)

	disabled, err := NewService(Config{Mode: ModeDisabled})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	disabled.Require(PermJobsWrite)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
