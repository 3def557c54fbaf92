package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   Kind
		wantMsg    string
		wantFields int
	}{
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     `{"message":"jwt expired"}`,
			wantKind: KindAuthenticationExpired,
			wantMsg:  MsgAuthenticationExpired,
		},
		{
			name:     "forbidden ignores body message",
			status:   http.StatusForbidden,
			body:     `{"message":"admins only"}`,
			wantKind: KindForbidden,
			wantMsg:  MsgForbidden,
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			wantKind: KindRateLimited,
			wantMsg:  MsgRateLimited,
		},
		{
			name:     "internal server error",
			status:   http.StatusInternalServerError,
			body:     `{"message":"db down"}`,
			wantKind: KindServerError,
			wantMsg:  MsgServerError,
		},
		{
			name:     "bad gateway",
			status:   http.StatusBadGateway,
			body:     `<html>bad gateway</html>`,
			wantKind: KindServerError,
			wantMsg:  MsgServerError,
		},
		{
			name:       "validation map uses first field in body order",
			status:     http.StatusBadRequest,
			body:       `{"message":"Validation failed","validationErrors":{"title":"Title is required","slug":"Slug is taken"}}`,
			wantKind:   KindValidationFailed,
			wantMsg:    "Title is required",
			wantFields: 2,
		},
		{
			name:       "validation map with message lists",
			status:     http.StatusBadRequest,
			body:       `{"validationErrors":{"email":["Email is invalid","Email is required"]}}`,
			wantKind:   KindValidationFailed,
			wantMsg:    "Email is invalid",
			wantFields: 1,
		},
		{
			name:     "empty validation map falls back to generic validation message",
			status:   http.StatusBadRequest,
			body:     `{"validationErrors":{}}`,
			wantKind: KindValidationFailed,
			wantMsg:  MsgValidationFailed,
		},
		{
			name:     "bad request without validation map uses body message",
			status:   http.StatusBadRequest,
			body:     `{"message":"Email and password are required"}`,
			wantKind: KindRequestFailed,
			wantMsg:  "Email and password are required",
		},
		{
			name:     "null validation map is not structured",
			status:   http.StatusBadRequest,
			body:     `{"validationErrors":null,"message":"nope"}`,
			wantKind: KindRequestFailed,
			wantMsg:  "nope",
		},
		{
			name:     "not found with message",
			status:   http.StatusNotFound,
			body:     `{"status":404,"message":"Lesson not found"}`,
			wantKind: KindRequestFailed,
			wantMsg:  "Lesson not found",
		},
		{
			name:     "conflict without body",
			status:   http.StatusConflict,
			wantKind: KindRequestFailed,
			wantMsg:  MsgRequestFailed,
		},
		{
			name:     "unparseable body",
			status:   http.StatusUnprocessableEntity,
			body:     `not json`,
			wantKind: KindRequestFailed,
			wantMsg:  MsgRequestFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.status, []byte(tt.body))
			require.Equal(t, tt.wantKind, got.Kind)
			require.Equal(t, tt.wantMsg, got.Message)
			require.Equal(t, tt.status, got.StatusCode)
			require.Len(t, got.Fields, tt.wantFields)
		})
	}
}

func TestClassify_FieldOrderIsPreserved(t *testing.T) {
	t.Parallel()

	got := Classify(http.StatusBadRequest, []byte(
		`{"validationErrors":{"z":"last letter","a":"first letter","m":{"message":"middle"}}}`,
	))
	require.Equal(t, []FieldError{
		{Field: "z", Message: "last letter"},
		{Field: "a", Message: "first letter"},
		{Field: "m", Message: "middle"},
	}, got.Fields)
	require.Equal(t, "last letter", got.Message)
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	transport := FromTransport(context.DeadlineExceeded)
	require.Equal(t, KindRequestFailed, transport.Kind)
	require.ErrorIs(t, transport, context.DeadlineExceeded)
	require.Contains(t, transport.Error(), "request_failed")

	cause := errors.New("refresh endpoint unreachable")
	expired := Expired(cause)
	wrapped := fmt.Errorf("load lessons: %w", expired)

	require.True(t, IsKind(wrapped, KindAuthenticationExpired))
	require.Equal(t, KindAuthenticationExpired, KindOf(wrapped))
	require.ErrorIs(t, wrapped, cause)
	require.ErrorIs(t, wrapped, &Error{Kind: KindAuthenticationExpired})
	require.NotErrorIs(t, wrapped, &Error{Kind: KindForbidden})

	require.Equal(t, KindRequestFailed, KindOf(errors.New("plain")))
	require.False(t, IsKind(nil, KindForbidden))

	forbidden := Classify(http.StatusForbidden, nil)
	require.Equal(t, "forbidden (HTTP 403): "+MsgForbidden, forbidden.Error())
}
