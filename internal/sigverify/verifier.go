// Package sigverify checks backend signatures over verification hashes through
// an oracle, with a durable verdict store, an in-memory TTL cache and
// coalescing of concurrent duplicate requests.
package sigverify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/verigate/internal/domain"
	"github.com/tjfontaine/verigate/internal/storage"
)

// DefaultRetryDelay is the pause before the single retry of a failed oracle call.
const DefaultRetryDelay = 750 * time.Millisecond

// DefaultCallTimeout bounds a shared oracle call, retry included. The call
// outlives the caller that started it so coalesced callers still get a verdict.
const DefaultCallTimeout = 30 * time.Second

var errEmptyVerdict = errors.New("oracle returned no verdict")

var tracer = otel.Tracer("github.com/tjfontaine/verigate/internal/sigverify")

// Oracle answers whether signature over hash is valid and who signed it.
type Oracle interface {
	Verify(ctx context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error)

func (f OracleFunc) Verify(ctx context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error) {
	return f(ctx, hash, signature, expected)
}

type cacheKey struct {
	hash      string
	signature string
}

// Verifier is the signature verification client. It is safe for concurrent use.
type Verifier struct {
	oracle     Oracle
	store      storage.VerificationStore
	cache      *Cache[cacheKey, domain.VerificationOutcome]
	ttl        time.Duration
	group      singleflight.Group
	retryDelay time.Duration
	timeout    time.Duration
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithStore adds a durable verdict store consulted before the memory cache.
func WithStore(store storage.VerificationStore) Option {
	return func(v *Verifier) {
		v.store = store
	}
}

// WithClock replaces the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithTTL sets the in-memory cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(v *Verifier) {
		v.ttl = ttl
	}
}

// WithRetryDelay sets the pause before retrying a failed oracle call.
func WithRetryDelay(d time.Duration) Option {
	return func(v *Verifier) {
		v.retryDelay = d
	}
}

// WithCallTimeout bounds a shared oracle call.
func WithCallTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.timeout = d
	}
}

// WithSleep replaces the retry sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(v *Verifier) {
		v.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// New creates a verifier around oracle.
func New(oracle Oracle, opts ...Option) *Verifier {
	v := &Verifier{
		oracle:     oracle,
		ttl:        DefaultTTL,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultCallTimeout,
		sleep:      sleepContext,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.cache = NewCache[cacheKey, domain.VerificationOutcome](v.ttl, v.now)
	return v
}

// Verify returns the oracle's verdict for signature over hash. expected, when
// set, is the address the signature must recover to.
//
// An outcome with IsValid false is a statement about the signature. A returned
// error means no verdict could be obtained and is never cached.
func (v *Verifier) Verify(ctx context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error) {
	ctx, span := tracer.Start(ctx, "sigverify.Verify")
	defer span.End()

	hash = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(hash), "0x"))
	signature = strings.TrimSpace(signature)
	if hash == "" || signature == "" {
		return nil, domain.ErrInput(domain.ErrorCodeIncompleteRecord, "verification hash and signature are required")
	}
	span.SetAttributes(attribute.String("verification.hash", hash))

	if o, ok := v.lookupStore(ctx, hash, signature); ok {
		span.SetAttributes(attribute.String("verification.source", "store"))
		return withExpected(o, expected), nil
	}

	key := cacheKey{hash: hash, signature: signature}
	if o, ok := v.cache.Get(key); ok {
		span.SetAttributes(attribute.String("verification.source", "memory"))
		return withExpected(o, expected), nil
	}

	// The oracle judges against expected, so only callers with the same
	// expected address share a call.
	flight := key.hash + "|" + key.signature + "|" + strings.ToLower(strings.TrimSpace(expected))
	ch := v.group.DoChan(flight, func() (any, error) {
		callCtx := context.WithoutCancel(ctx)
		if v.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, v.timeout)
			defer cancel()
		}

		o, err := v.call(callCtx, hash, signature, expected)
		if err != nil {
			return nil, err
		}
		// An invalid verdict for a given expected address may be a signer
		// mismatch and does not hold for other addresses.
		if o.IsValid || strings.TrimSpace(expected) == "" {
			v.cache.Set(key, *o)
		}
		if o.IsValid {
			v.saveStore(callCtx, hash, signature, *o)
		}
		return *o, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		err := domain.ErrVerification(ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return nil, res.Err
	}

	span.SetAttributes(
		attribute.String("verification.source", "oracle"),
		attribute.Bool("verification.shared", res.Shared),
	)
	return withExpected(res.Val.(domain.VerificationOutcome), expected), nil
}

// call asks the oracle, retrying once after the configured delay.
func (v *Verifier) call(ctx context.Context, hash, signature, expected string) (*domain.VerificationOutcome, error) {
	o, err := v.oracle.Verify(ctx, hash, signature, expected)
	if err == nil && o == nil {
		err = errEmptyVerdict
	}
	if err == nil {
		return o, nil
	}
	if domain.TypeOf(err) == domain.ErrorTypeInput {
		return nil, err
	}

	v.logger.Warn("signature oracle failed, retrying",
		slog.String("verification_hash", hash),
		slog.String("error", err.Error()))

	if serr := v.sleep(ctx, v.retryDelay); serr != nil {
		return nil, domain.ErrVerification(serr)
	}

	o, err = v.oracle.Verify(ctx, hash, signature, expected)
	if err == nil && o == nil {
		err = errEmptyVerdict
	}
	if err != nil {
		if domain.TypeOf(err) == domain.ErrorTypeInput {
			return nil, err
		}
		return nil, domain.ErrVerification(err)
	}
	return o, nil
}

func (v *Verifier) lookupStore(ctx context.Context, hash, signature string) (domain.VerificationOutcome, bool) {
	if v.store == nil {
		return domain.VerificationOutcome{}, false
	}
	rec, err := v.store.GetVerification(ctx, hash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			v.logger.Warn("verification store lookup failed",
				slog.String("verification_hash", hash),
				slog.String("error", err.Error()))
		}
		return domain.VerificationOutcome{}, false
	}
	if rec.Signature != signature {
		return domain.VerificationOutcome{}, false
	}
	return rec.Outcome, true
}

func (v *Verifier) saveStore(ctx context.Context, hash, signature string, o domain.VerificationOutcome) {
	if v.store == nil {
		return
	}
	rec := &storage.VerificationRecord{
		Hash:       hash,
		Signature:  signature,
		Outcome:    o,
		VerifiedAt: v.now(),
	}
	if err := v.store.SaveVerification(ctx, rec); err != nil {
		v.logger.Warn("failed to persist verification",
			slog.String("verification_hash", hash),
			slog.String("error", err.Error()))
	}
}

// withExpected returns a copy of o judged against expected. Cached verdicts are
// keyed without the expected address, so the match is recomputed from the
// recovered signer.
func withExpected(o domain.VerificationOutcome, expected string) *domain.VerificationOutcome {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return &o
	}
	o.ExpectedAddress = expected
	o.Match = o.IsValid && strings.EqualFold(o.RecoveredAddress, expected)
	return &o
}

// Status maps a Verify result onto the UI status.
func Status(o *domain.VerificationOutcome, err error) domain.VerificationStatus {
	if err != nil {
		return domain.StatusError
	}
	return domain.StatusOf(o)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
