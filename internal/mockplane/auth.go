package mockplane

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/optimatist/psh/internal/types"
)

// AuthError represents an authentication failure.
type AuthError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *AuthError) Error() string {
	return e.Message
}

var (
	ErrMissingCredentials = &AuthError{
		StatusCode: http.StatusUnauthorized,
		ErrorCode:  "MISSING_CREDENTIALS",
		Message:    "Authentication required",
	}
	ErrInvalidCredentials = &AuthError{
		StatusCode: http.StatusUnauthorized,
		ErrorCode:  "INVALID_CREDENTIALS",
		Message:    "Invalid credentials",
	}
)

// authenticate checks an Authorization header value against the token.
func (p *Plane) authenticate(header string) error {
	if p.token == "" {
		return nil
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return ErrMissingCredentials
	}
	got := sha256.Sum256([]byte(strings.TrimPrefix(header, bearerPrefix)))
	want := sha256.Sum256([]byte(p.token))
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func (p *Plane) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.authenticate(r.Header.Get("Authorization")); err != nil {
			authErr := err.(*AuthError)
			writeError(w, authErr.StatusCode, "authentication_error", authErr.ErrorCode, authErr.Message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Plane) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
	}
	if err := p.authenticate(header); err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(ctx, req)
}

func writeError(w http.ResponseWriter, statusCode int, errorType, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		ErrorType:    errorType,
		ErrorCode:    code,
		ErrorMessage: msg,
	})
}
