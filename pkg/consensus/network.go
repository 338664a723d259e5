package consensus

import "context"

type Handlers struct {
	OnBlock func(ctx context.Context, b Block)
}

type Network interface {
	BroadcastBlock(ctx context.Context, b Block) error
	// FetchBlocks asks peers for committed blocks starting at from.
	FetchBlocks(ctx context.Context, from Height) ([]Block, error)
	SetHandlers(h Handlers)
}

type AppHook interface {
	PreparePayload(parent Block, next Height) []byte
	ValidatePayload(b Block) bool
	OnCommit(committed Block) Hash // returns AppHash after executing block
}
