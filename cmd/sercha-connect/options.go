package main

// Options is the root command. Environment variables configure the stores
// (see internal/config); flags here override the few settings that are
// convenient to change per invocation.
type Options struct {
	Providers string `short:"p" long:"providers" description:"provider definitions file (overrides SERCHA_PROVIDERS_FILE)"`
	Store     string `long:"store" description:"token store backend (overrides SERCHA_STORE)"`

	Connect    ConnectCmd    `command:"connect" description:"Authorize a new account for a provider"`
	Reauth     ReauthCmd     `command:"reauth" description:"Reauthorize an existing account in place"`
	Accounts   AccountsCmd   `command:"accounts" description:"List stored accounts and their state"`
	Use        UseCmd        `command:"use" description:"Make an account the provider's active account"`
	Logout     LogoutCmd     `command:"logout" description:"Remove one account or every account of a provider"`
	Refresh    RefreshCmd    `command:"refresh" description:"Refresh an account's access token if it is due"`
	Serve      ServeCmd      `command:"serve" description:"Serve the account management API"`
	AdminToken AdminTokenCmd `command:"admin-token" description:"Issue a bearer token for the account management API"`
	Version    VersionCmd    `command:"version" description:"Print the version"`
}

// global is set by the parser before any command's Execute runs.
var global *Options

type accountArgs struct {
	Provider string `positional-arg-name:"provider"`
	User     string `positional-arg-name:"user"`
}
