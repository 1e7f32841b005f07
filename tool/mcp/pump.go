package mcp

import "context"

// Pump feeds every message received from transport into client until the
// transport fails or ctx ends. Either way the client is reset to not-ready.
// A nil error means ctx ended.
func Pump(ctx context.Context, transport Transport, client *Client) error {
	for {
		message, err := transport.Receive(ctx)
		if err != nil {
			client.Reset(err)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		client.HandleMessage(ctx, message)
	}
}
