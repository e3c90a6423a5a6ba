// Package verify confirms artifact claims against a real output tree.
//
// A file claim is verified when the path exists as a regular file under
// the tree root. Symbol and function claims are verified by parsing the
// claimed file and looking the name up in its export table, so a name that
// only appears in a comment or a string literal never counts.
//
// Parsed export tables are cached by path, size and modification time.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// Rejection is a claim that failed verification and the reason it failed.
type Rejection struct {
	Claim  domain.ArtifactClaim
	Reason string
}

// Verifier checks claims. It is safe for concurrent use.
type Verifier struct {
	cache  *expirable.LRU[string, *exportTable]
	logger zerolog.Logger
}

// Option configures a Verifier.
type Option func(*verifierOptions)

type verifierOptions struct {
	cacheSize int
	cacheTTL  time.Duration
	logger    zerolog.Logger
}

// WithCache sets the export table cache size and entry lifetime.
func WithCache(size int, ttl time.Duration) Option {
	return func(o *verifierOptions) {
		if size > 0 {
			o.cacheSize = size
		}
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *verifierOptions) {
		o.logger = l
	}
}

// New creates a Verifier.
func New(opts ...Option) *Verifier {
	o := verifierOptions{
		cacheSize: constants.DefaultVerifyCacheSize,
		cacheTTL:  constants.DefaultVerifyCacheTTL,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Verifier{
		cache:  expirable.NewLRU[string, *exportTable](o.cacheSize, nil, o.cacheTTL),
		logger: o.logger,
	}
}

// Verify checks every claim against root and splits them into verified
// claims and rejections. Input order is preserved in both results.
// Verification failures never return an error; only a cancelled context does.
func (v *Verifier) Verify(ctx context.Context, root string, claims []domain.ArtifactClaim) ([]domain.ArtifactClaim, []Rejection, error) {
	verified := make([]domain.ArtifactClaim, 0, len(claims))
	var rejected []Rejection
	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := v.Check(root, c.Ref()); err != nil {
			rejected = append(rejected, Rejection{Claim: c, Reason: reason(err)})
			v.logger.Warn().
				Str("task_id", c.SourceTaskID).
				Str("artifact", c.Ref().Key()).
				Str("reason", reason(err)).
				Msg("artifact claim rejected")
			continue
		}
		verified = append(verified, c)
	}
	return verified, rejected, nil
}

// Check verifies a single artifact reference. The returned error wraps
// ErrUnverifiedArtifact.
func (v *Verifier) Check(root string, ref domain.ArtifactRef) error {
	switch ref.Kind {
	case constants.ArtifactKindFile:
		_, err := resolveFile(root, ref.Identifier)
		return err
	case constants.ArtifactKindExportedSymbol, constants.ArtifactKindFunction:
		path, name, ok := domain.SplitSymbol(ref.Identifier)
		if !ok {
			return unverified(ref, "identifier must have the form path:Name")
		}
		full, err := resolveFile(root, path)
		if err != nil {
			return err
		}
		table, err := v.exports(full)
		if err != nil {
			return unverified(ref, err.Error())
		}
		kind, found := table.lookup(name)
		if !found {
			return unverified(ref, fmt.Sprintf("%s is not exported by %s", name, path))
		}
		if ref.Kind == constants.ArtifactKindFunction && kind != symbolFunc {
			return unverified(ref, fmt.Sprintf("%s in %s is a %s, not a function", name, path, kind))
		}
		return nil
	default:
		return unverified(ref, fmt.Sprintf("unknown artifact kind %q", ref.Kind))
	}
}

// Warnings converts rejections into persisted warnings for a wave.
func Warnings(rejected []Rejection, wave int, now time.Time) []domain.ArtifactWarning {
	out := make([]domain.ArtifactWarning, 0, len(rejected))
	for _, r := range rejected {
		out = append(out, domain.ArtifactWarning{Claim: r.Claim, Wave: wave, Reason: r.Reason, Timestamp: now})
	}
	return out
}

// Purge drops every cached export table.
func (v *Verifier) Purge() {
	v.cache.Purge()
}

func (v *Verifier) exports(path string) (*exportTable, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := path + "|" + strconv.FormatInt(info.Size(), 10) + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	if t, ok := v.cache.Get(key); ok {
		return t, nil
	}

	src, err := os.ReadFile(path) //#nosec G304 -- path resolved under the output root
	if err != nil {
		return nil, err
	}
	t, err := parseExports(path, src)
	if err != nil {
		return nil, err
	}
	v.cache.Add(key, t)
	return t, nil
}

// resolveFile joins identifier under root, refusing paths that escape it,
// and requires a regular file.
func resolveFile(root, identifier string) (string, error) {
	ref := domain.ArtifactRef{Kind: constants.ArtifactKindFile, Identifier: identifier}
	if identifier == "" {
		return "", unverified(ref, "empty path")
	}
	if filepath.IsAbs(identifier) {
		return "", unverified(ref, "absolute paths are not allowed")
	}
	clean := filepath.Clean(filepath.FromSlash(identifier))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s escapes the output tree: %w: %w", identifier, tideerrors.ErrUnverifiedArtifact, tideerrors.ErrPathTraversal)
	}

	full := filepath.Join(root, clean)
	info, err := os.Stat(full)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", unverified(ref, "file does not exist")
	case err != nil:
		return "", unverified(ref, err.Error())
	case !info.Mode().IsRegular():
		return "", unverified(ref, "not a regular file")
	}
	return full, nil
}

func unverified(ref domain.ArtifactRef, why string) error {
	return fmt.Errorf("%s %s: %s: %w", ref.Kind, ref.Identifier, why, tideerrors.ErrUnverifiedArtifact)
}

// reason strips the sentinel suffix for warning records.
func reason(err error) string {
	msg := err.Error()
	return strings.TrimSuffix(msg, ": "+tideerrors.ErrUnverifiedArtifact.Error())
}
