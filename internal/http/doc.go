// Package http provides the HTTP client used for file transfers.
//
// This package handles:
//   - HEAD requests to learn the size of a remote file ahead of the GET
//   - GET requests with compression disabled, so Content-Length matches the
//     bytes on disk
//   - Manual redirect following with a fixed cap
//   - Mapping non-2xx responses to typed errors
//
// Every request asks for the connection to be closed afterwards. Transfers
// are sequential and long, so pooling buys nothing.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	// Get file info
//	info, err := client.Head(ctx, url)
//	// info.Size, info.ContentType
//
//	// Stream the body
//	resp, err := client.Open(ctx, url)
//	defer resp.Body.Close()
package http
