package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/routeguard"
)

// ErrUnavailable is returned once a provider configured with WithFailAfter
// has used up its successful calls.
var ErrUnavailable = fmt.Errorf("mock: provider unavailable: %w", routeguard.ErrRetryable)

// Provider is a mock embedding / vector store provider for testing.
// Embeddings are deterministic per input text.
type Provider struct {
	id         routeguard.ProviderID
	kind       routeguard.ProviderKind
	dimensions int
	latency    time.Duration
	failAfter  int
	callCount  atomic.Int64
	staticErr  error
	quality    float64

	mu      sync.RWMutex
	vectors map[string][]float32
}

var (
	_ routeguard.Provider        = (*Provider)(nil)
	_ routeguard.QualityReporter = (*Provider)(nil)
)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		id:         "mock",
		kind:       routeguard.KindEmbedding,
		dimensions: 8,
		quality:    0.5,
		vectors:    make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithID sets the provider id.
func WithID(id routeguard.ProviderID) Option {
	return func(p *Provider) { p.id = id }
}

// WithKind sets the provider kind.
func WithKind(kind routeguard.ProviderKind) Option {
	return func(p *Provider) { p.kind = kind }
}

// WithDimensions sets the embedding size.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dimensions = n }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithQuality sets the reported quality score.
func WithQuality(q float64) Option {
	return func(p *Provider) { p.quality = q }
}

func (p *Provider) ID() routeguard.ProviderID     { return p.id }
func (p *Provider) Kind() routeguard.ProviderKind { return p.kind }
func (p *Provider) Quality() float64              { return p.quality }

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Embed returns one vector per input and the estimated tokens consumed.
func (p *Provider) Embed(ctx context.Context, inputs []string) ([][]float32, uint64, error) {
	if err := p.begin(ctx); err != nil {
		return nil, 0, err
	}

	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = p.vectorFor(in)
	}
	return out, routeguard.EstimateTokens(inputs), nil
}

// Upsert stores a vector under key.
func (p *Provider) Upsert(ctx context.Context, key string, vector []float32) error {
	if err := p.begin(ctx); err != nil {
		return err
	}

	v := make([]float32, len(vector))
	copy(v, vector)

	p.mu.Lock()
	p.vectors[key] = v
	p.mu.Unlock()
	return nil
}

// Match is a query hit.
type Match struct {
	Key   string
	Score float64
}

// Query returns the k stored vectors most similar to vector by cosine similarity.
func (p *Provider) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if err := p.begin(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	matches := make([]Match, 0, len(p.vectors))
	for key, v := range p.vectors {
		matches = append(matches, Match{Key: key, Score: cosine(vector, v)})
	}
	p.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if k >= 0 && k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

func (p *Provider) begin(ctx context.Context) error {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return p.staticErr
	}
	if p.failAfter > 0 && int(count) > p.failAfter {
		return ErrUnavailable
	}
	return nil
}

func (p *Provider) vectorFor(text string) []float32 {
	v := make([]float32, p.dimensions)
	var norm float64
	for i := range v {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d:%s", i, text)
		x := float64(h.Sum64()%2000)/1000 - 1
		v[i] = float32(x)
		norm += x * x
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
