package bridge

import (
	"context"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// streamQueueSize bounds how far the runtime can run ahead of a slow
// transport before chunk delivery blocks.
const streamQueueSize = 64

// ProcessMessageStream runs a message with streaming delivery. Chunks
// arrive on the first channel, which closes when the response is
// complete. A terminal failure arrives on the second channel before
// both close. Cancel ctx to abandon the stream.
func (b *Bridge) ProcessMessageStream(ctx context.Context, msg *bus.InboundMessage, localPaths []string) (<-chan string, <-chan error) {
	chunks := make(chan string, streamQueueSize)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		_, err := b.ProcessMessage(ctx, msg, localPaths, func(chunk string) {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
