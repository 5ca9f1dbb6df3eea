// Package synth generates voltage payloads for tests, benchmarks and the
// -synth mode of the dumpring command.
package synth

import (
	"context"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/dumpring/internal/voltage"
)

// fillBatch is the number of payloads each worker fills per task.
const fillBatch = 256

// Random returns a payload with a random count and uniformly random samples.
func Random(rng *rand.Rand) *voltage.Payload {
	p := &voltage.Payload{Count: rng.Uint64()}
	randomize(rng, p)
	return p
}

func randomize(rng *rand.Rand, p *voltage.Payload) {
	for i := range p.PolA {
		v := rng.Uint32()
		p.PolA[i] = voltage.Complex8{Re: int8(v), Im: int8(v >> 8)}
		p.PolB[i] = voltage.Complex8{Re: int8(v >> 16), Im: int8(v >> 24)}
	}
}

// Sequence returns n payloads with contiguous counts from start and random
// samples drawn from seed.
func Sequence(start uint64, n int, seed uint64) []*voltage.Payload {
	rng := rand.New(rand.NewPCG(seed, start))
	out := make([]*voltage.Payload, n)
	for i := range out {
		out[i] = &voltage.Payload{Count: start + uint64(i)}
		randomize(rng, out[i])
	}
	return out
}

// Fill randomizes the samples of every payload in parallel, keeping their
// counts. Each batch draws from its own generator seeded from seed and the
// batch index, so results do not depend on scheduling.
func Fill(ctx context.Context, payloads []*voltage.Payload, seed uint64) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for lo := 0; lo < len(payloads); lo += fillBatch {
		batch := payloads[lo:min(lo+fillBatch, len(payloads))]
		stream := uint64(lo / fillBatch)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seed, stream))
			for _, p := range batch {
				randomize(rng, p)
			}
			return nil
		})
	}
	return g.Wait()
}

// FillRing pushes n payloads with contiguous counts from start into r.
// Samples are generated in parallel batches and pushed in order.
func FillRing(ctx context.Context, r *voltage.DumpRing, start uint64, n int, seed uint64) error {
	batch := make([]*voltage.Payload, 0, min(n, r.Cap()))
	for pushed := 0; pushed < n; {
		size := min(n-pushed, cap(batch))
		batch = batch[:size]
		for i := range batch {
			if batch[i] == nil {
				batch[i] = new(voltage.Payload)
			}
			batch[i].Count = start + uint64(pushed+i)
		}
		if err := Fill(ctx, batch, seed+uint64(pushed)); err != nil {
			return err
		}
		for _, p := range batch {
			r.Push(p)
		}
		pushed += size
	}
	return nil
}
