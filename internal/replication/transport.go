package replication

import "context"

// Transport moves encoded envelopes between members.
//
// Publish must preserve the order of calls made by one sender. Subscribe
// delivers payloads published by every member (including the caller) until
// ctx is done, then closes the channel.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}
