package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
)

var (
	ErrMissingToken      = errors.New("id token is required")
	ErrUnverifiedEmail   = errors.New("google account email is not verified")
	ErrEmailNotAllowed   = errors.New("email is not allowed")
	errMissingEmailClaim = errors.New("google token missing email claim")
)

type GoogleIdentity struct {
	GoogleSubject string
	Email         string
	Name          string
}

type validateFunc func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Verifier checks Google ID tokens issued for the configured client and
// restricts access to the allowlisted emails. An empty allowlist admits any
// verified account.
type Verifier struct {
	clientID      string
	allowedEmails map[string]struct{}
	validate      validateFunc
}

func NewVerifier(cfg config.Config) Verifier {
	return Verifier{
		clientID:      cfg.GoogleClientID,
		allowedEmails: cfg.AllowedGoogleEmails,
		validate:      idtoken.Validate,
	}
}

func (v Verifier) Verify(ctx context.Context, idToken string) (GoogleIdentity, error) {
	if strings.TrimSpace(idToken) == "" {
		return GoogleIdentity{}, ErrMissingToken
	}

	payload, err := v.validate(ctx, idToken, v.clientID)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("validate id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return GoogleIdentity{}, errMissingEmailClaim
	}

	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return GoogleIdentity{}, ErrUnverifiedEmail
	}

	if len(v.allowedEmails) > 0 {
		if _, ok := v.allowedEmails[email]; !ok {
			return GoogleIdentity{}, ErrEmailNotAllowed
		}
	}

	name, _ := payload.Claims["name"].(string)
	return GoogleIdentity{
		GoogleSubject: payload.Subject,
		Email:         email,
		Name:          strings.TrimSpace(name),
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
