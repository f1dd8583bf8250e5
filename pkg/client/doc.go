// Package client is the Go SDK for the aweb coordination service.
//
// A typical agent session:
//
//	c := client.New("http://localhost:8080")
//	res, err := c.Init(ctx, client.InitRequest{ProjectSlug: "acme/checkout"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// res.APIKey is remembered by the client; persist it for later runs
//	// and restore it with client.WithAPIKey.
//
//	_, err = c.SendMessage(ctx, client.SendMessageRequest{
//	    To:   "BlueLake",
//	    Body: "review is ready on branch feat/checkout",
//	})
//
// Polling for anything that needs attention:
//
//	pending, err := c.ChatPending(ctx)
//	if pending.MailUnread > 0 { ... }
//
// Errors from the service are returned as *APIError, carrying the HTTP
// status and decoded error message:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
//	    // reservation held by someone else; apiErr.Body has holder details
//	}
package client
