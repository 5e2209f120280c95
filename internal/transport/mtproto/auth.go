package mtproto

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"relaybot/internal/relay"
)

var errSignUpUnsupported = errors.New("phone number is not registered; sign up in an official client first")

// promptAuth adapts relay.Prompter to gotd's auth.UserAuthenticator.
type promptAuth struct {
	p relay.Prompter
}

var _ auth.UserAuthenticator = promptAuth{}

func (a promptAuth) Phone(ctx context.Context) (string, error) {
	s, err := a.p.Phone(ctx)
	return strings.TrimSpace(s), err
}

func (a promptAuth) Password(ctx context.Context) (string, error) {
	return a.p.Password(ctx)
}

func (a promptAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	s, err := a.p.Code(ctx)
	return strings.TrimSpace(s), err
}

func (promptAuth) AcceptTermsOfService(context.Context, tg.HelpTermsOfService) error {
	return errSignUpUnsupported
}

func (promptAuth) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errSignUpUnsupported
}

// authClient is the part of *auth.Client the login loop needs.
type authClient interface {
	Status(ctx context.Context) (*auth.Status, error)
	IfNecessary(ctx context.Context, flow auth.Flow) error
}

var _ authClient = (*auth.Client)(nil)

// loginRetryDelay paces attempts that fail before the operator is asked anything.
var loginRetryDelay = time.Second

// authorize logs in when the session is not authorized yet. Recoverable
// failures such as a wrong code are reported to the prompter and the login
// is asked again; it only gives up when the operator aborts, the context
// ends, or the number must be signed up first.
func authorize(ctx context.Context, a authClient, p relay.Prompter) error {
	st, err := a.Status(ctx)
	if err != nil {
		return err
	}
	if st.Authorized {
		return nil
	}
	if p == nil {
		return errors.New("session is not authorized and no prompter is available")
	}

	flow := auth.NewFlow(promptAuth{p: p}, auth.SendCodeOptions{})
	for {
		err := a.IfNecessary(ctx, flow)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, relay.ErrLoginAborted) || errors.Is(err, errSignUpUnsupported) {
			return err
		}
		p.LoginError(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(loginRetryDelay):
		}
	}
}
