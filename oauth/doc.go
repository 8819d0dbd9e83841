// Package oauth implements an atproto OAuth client: authorization flows with
// PAR and PKCE, DPoP-bound tokens, auth server discovery, and store-backed
// session management with single-flight token refresh.
//
// The entry point is ClientApp. A minimal public client:
//
//	config := oauth.NewPublicConfig(
//		"https://app.example.com/oauth/client-metadata.json",
//		"https://app.example.com/oauth/callback",
//		[]string{"atproto"},
//	)
//	app := oauth.NewClientApp(config, oauth.NewMemStore())
//
//	// login: send the user to the returned URL
//	redirectURL, err := app.StartAuthFlow(ctx, "alice.example.com")
//
//	// callback: params are the query parameters on the redirect URI
//	sess, err := app.ProcessCallback(ctx, params)
//
//	// authenticated requests against the account's PDS
//	cs, err := app.ResumeSession(ctx, sess.AccountDID)
//	resp, err := cs.Get(ctx, "/xrpc/com.atproto.server.getSession")
//
// Sessions persist in a ClientAuthStore; MemStore works for development and
// tests, and the redisstore package provides a Redis-backed store plus a
// cross-process refresh lock for multi-instance deployments.
package oauth
