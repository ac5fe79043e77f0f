package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/memory"
	"github.com/custodia-labs/sercha-connect/internal/core/domain"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
)

// lifecycleWorld is the per-scenario state of the account lifecycle suite.
type lifecycleWorld struct {
	store    *memory.TokenStore
	flow     *scriptedFlow
	resolver tokenResolver
	svc      *accountService

	providerID string
	result     *domain.AuthResult
	err        error
}

func (w *lifecycleWorld) key(userID string) domain.AccountKey {
	return domain.NewAccountKey(w.providerID, userID)
}

func (w *lifecycleWorld) providerConfigured(providerID string) error {
	w.providerID = providerID
	provider := testProvider("https://api.hidrive.example")
	provider.ID = providerID
	w.svc = newAccountService(AccountServiceConfig{
		Store:     w.store,
		Providers: mapRegistry{providerID: provider},
		AuthFlow:  w.flow,
		Resolver:  w.resolver,
		Logger:    discardLogger(),
		Now:       fixedNow,
	})
	return nil
}

func (w *lifecycleWorld) serverIssuesTokenFor(userID string) error {
	token := userID + "-token"
	w.resolver[token] = &driven.ResolvedAccount{UserID: userID, Profile: &domain.Profile{Name: userID}}
	w.flow.queueAuth(domain.NewSuccessResult(token, userID+"-refresh", expiringAt(time.Hour)))
	return nil
}

func (w *lifecycleWorld) userWillCancel() error {
	w.flow.queueAuth(domain.NewCancelledResult())
	return nil
}

func (w *lifecycleWorld) storeAccount(userID string, cred *domain.Credential) error {
	ctx := context.Background()
	if err := w.store.StoreToken(ctx, w.key(userID), cred); err != nil {
		return err
	}
	return w.store.SetActiveUser(ctx, w.providerID, userID)
}

func (w *lifecycleWorld) storedAccount(userID string) error {
	return w.storeAccount(userID, &domain.Credential{
		AccessToken:  userID + "-token",
		RefreshToken: userID + "-refresh",
		ExpiresAt:    expiringAt(time.Hour),
	})
}

func (w *lifecycleWorld) storedExpiredAccount(userID string) error {
	return w.storeAccount(userID, &domain.Credential{
		AccessToken:  "expired",
		RefreshToken: "revoked",
		ExpiresAt:    expiringAt(-time.Minute),
	})
}

func (w *lifecycleWorld) storedBrokenAccount(userID string) error {
	return w.storeAccount(userID, &domain.Credential{AccessToken: "stale", NeedsReauth: true})
}

func (w *lifecycleWorld) refreshRejected() error {
	w.flow.queueRefresh(domain.NewErrorResult(domain.AuthErrorAuthorizationDenied, "invalid_grant", "refresh token revoked"))
	return nil
}

func (w *lifecycleWorld) connect(providerID string) error {
	_, w.result, w.err = w.svc.Connect(context.Background(), providerID)
	return w.err
}

func (w *lifecycleWorld) reauthenticate(userID string) error {
	_, w.result, w.err = w.svc.Reauthenticate(context.Background(), w.key(userID))
	return w.err
}

func (w *lifecycleWorld) requestFresh(userID string) error {
	_, w.err = w.svc.EnsureFresh(context.Background(), w.key(userID))
	return nil
}

func (w *lifecycleWorld) downstreamForbidden(userID string) error {
	return w.svc.ReportPermissionError(context.Background(), w.key(userID), fmt.Errorf("%w: GET /files returned 403", domain.ErrForbidden))
}

func (w *lifecycleWorld) makeActive(userID string) error {
	_, err := w.svc.SetActiveAccount(context.Background(), w.key(userID))
	return err
}

func (w *lifecycleWorld) disconnectAll(providerID string) error {
	return w.svc.DisconnectAll(context.Background(), providerID)
}

func (w *lifecycleWorld) accountIs(userID, state string) error {
	got, err := w.svc.State(context.Background(), w.key(userID))
	if err != nil {
		return err
	}
	if got != domain.ConnectionState(state) {
		return fmt.Errorf("account %s is %s, expected %s", userID, got, state)
	}
	return nil
}

func (w *lifecycleWorld) accountIsActive(userID string) error {
	active, ok, err := w.store.GetActiveUser(context.Background(), w.providerID)
	if err != nil {
		return err
	}
	if !ok || active != userID {
		return fmt.Errorf("active account is %q, expected %q", active, userID)
	}
	return nil
}

func (w *lifecycleWorld) providerIs(providerID, state string) error {
	got, err := w.svc.ProviderState(context.Background(), providerID)
	if err != nil {
		return err
	}
	if got != domain.ConnectionState(state) {
		return fmt.Errorf("provider %s is %s, expected %s", providerID, got, state)
	}
	return nil
}

func (w *lifecycleWorld) connectCancelled() error {
	if w.result == nil || !w.result.Cancelled {
		return fmt.Errorf("expected a cancelled result, got %+v", w.result)
	}
	return nil
}

func (w *lifecycleWorld) accountCount(providerID string, n int) error {
	views, err := w.svc.ListAccounts(context.Background(), providerID)
	if err != nil {
		return err
	}
	if len(views) != n {
		return fmt.Errorf("expected %d accounts, got %d", n, len(views))
	}
	return nil
}

func (w *lifecycleWorld) failsWithReauth() error {
	if !errors.Is(w.err, domain.ErrReauthRequired) {
		return fmt.Errorf("expected reauthentication required, got %v", w.err)
	}
	return nil
}

func (w *lifecycleWorld) stillStored(userID string) error {
	cred, err := w.store.GetToken(context.Background(), w.key(userID))
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("account %s was removed", userID)
	}
	return nil
}

func (w *lifecycleWorld) noProblemFlags(userID string) error {
	cred, err := w.store.GetToken(context.Background(), w.key(userID))
	if err != nil {
		return err
	}
	if cred == nil || !cred.IsHealthy() {
		return fmt.Errorf("account %s is not healthy: %+v", userID, cred)
	}
	return nil
}

func initializeLifecycleScenario(sc *godog.ScenarioContext) {
	w := &lifecycleWorld{}
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		*w = lifecycleWorld{
			store:    memory.NewTokenStore(discardLogger()),
			flow:     &scriptedFlow{},
			resolver: tokenResolver{},
		}
		return ctx, nil
	})

	sc.Step(`^the provider "([^"]*)" is configured$`, w.providerConfigured)
	sc.Step(`^the authorization server will issue a token for "([^"]*)"$`, w.serverIssuesTokenFor)
	sc.Step(`^the user will cancel the authorization$`, w.userWillCancel)
	sc.Step(`^a stored account "([^"]*)"$`, w.storedAccount)
	sc.Step(`^a stored account "([^"]*)" whose token has expired$`, w.storedExpiredAccount)
	sc.Step(`^a stored account "([^"]*)" that needs reauthentication$`, w.storedBrokenAccount)
	sc.Step(`^the refresh endpoint rejects the refresh token$`, w.refreshRejected)

	sc.Step(`^I connect "([^"]*)"$`, w.connect)
	sc.Step(`^I reauthenticate "([^"]*)"$`, w.reauthenticate)
	sc.Step(`^I request a fresh token for "([^"]*)"$`, w.requestFresh)
	sc.Step(`^a downstream call for "([^"]*)" is forbidden$`, w.downstreamForbidden)
	sc.Step(`^I make "([^"]*)" the active account$`, w.makeActive)
	sc.Step(`^I disconnect all accounts of "([^"]*)"$`, w.disconnectAll)

	sc.Step(`^account "([^"]*)" is "([^"]*)"$`, w.accountIs)
	sc.Step(`^account "([^"]*)" is active$`, w.accountIsActive)
	sc.Step(`^provider "([^"]*)" is "([^"]*)"$`, w.providerIs)
	sc.Step(`^the connect result is cancelled$`, w.connectCancelled)
	sc.Step(`^"([^"]*)" has (\d+) accounts$`, w.accountCount)
	sc.Step(`^the request fails with reauthentication required$`, w.failsWithReauth)
	sc.Step(`^account "([^"]*)" is still stored$`, w.stillStored)
	sc.Step(`^account "([^"]*)" has no problem flags$`, w.noProblemFlags)
}

func TestAccountLifecycleFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "account-lifecycle",
		ScenarioInitializer: initializeLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("account lifecycle scenarios failed")
	}
}
