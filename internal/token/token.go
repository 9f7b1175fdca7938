package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmpty         = errors.New("token is empty")
	ErrExpired       = errors.New("token is expired")
	ErrAudienceTopic = errors.New("subscribe destination does not match token audience")
	ErrNotTopic      = errors.New("destination is not a /topic/<client>/... destination")
	ErrNotJWT        = errors.New("token is not a JWT")
)

// Info holds the claims the broker looks at. The signature is never verified here.
type Info struct {
	Issuer    string
	Subject   string
	Name      string
	Email     string
	Audience  []string
	ExpiresAt time.Time
}

func Inspect(raw string) (*Info, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmpty
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJWT, err)
	}

	info := &Info{}
	info.Issuer, _ = claims.GetIssuer()
	info.Subject, _ = claims.GetSubject()
	if aud, err := claims.GetAudience(); err == nil {
		info.Audience = aud
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	info.Name, _ = claims["name"].(string)
	info.Email, _ = claims["email"].(string)
	return info, nil
}

func (i *Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// TopicClient returns <client> from a /topic/<client>/... destination.
func TopicClient(destination string) (string, error) {
	rest, ok := strings.CutPrefix(destination, "/topic/")
	if !ok {
		return "", ErrNotTopic
	}
	client, _, ok := strings.Cut(rest, "/")
	if !ok || client == "" {
		return "", ErrNotTopic
	}
	return client, nil
}

// Check reports why the broker would refuse this token for a subscription to destination.
func Check(raw, destination string, now time.Time) (*Info, error) {
	info, err := Inspect(raw)
	if err != nil {
		return nil, err
	}
	if info.Expired(now) {
		return info, fmt.Errorf("%w at %s", ErrExpired, info.ExpiresAt.Format(time.RFC3339))
	}
	client, err := TopicClient(destination)
	if err != nil {
		return info, err
	}
	for _, aud := range info.Audience {
		if aud == client {
			return info, nil
		}
	}
	return info, fmt.Errorf("%w: topic client %q, audience %v", ErrAudienceTopic, client, info.Audience)
}
