// Package domainblock decides whether an actor's domain may interact with
// the relay.
package domainblock

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"golang.org/x/net/idna"

	"github.com/concrnt/ccworld-ap-relay/types"
)

var tracer = otel.Tracer("domainblock")

// Store is the persistence the engine reads rules and mode from.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, error)
	ListDomainRules(ctx context.Context) ([]types.DomainRule, error)
}

// Engine evaluates domain rules against the configured mode.
type Engine struct {
	store Store
	log   *slog.Logger
}

// NewEngine returns an Engine backed by store.
func NewEngine(store Store, log *slog.Logger) *Engine {
	return &Engine{store, log.With("component", "domainblock")}
}

// ExtractDomain returns the lowercased ASCII host of an actor IRI, or "" if
// the IRI has no host.
func ExtractDomain(actorID string) string {
	u, err := url.Parse(actorID)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

// Matches reports whether rule applies to domain. Exact rules compare
// literally against the normalized domain. Regex rules are unanchored and
// never match when the pattern does not compile.
func Matches(rule types.DomainRule, domain string) bool {
	if !rule.IsRegex {
		return rule.Pattern == domain
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(domain)
}

// IsBlocked applies rules under mode. In blacklist mode a matching rule
// blocks; in whitelist mode a missing match blocks, including when there are
// no rules at all.
func IsBlocked(mode string, rules []types.DomainRule, domain string) bool {
	whitelist := mode == types.DomainBlockModeWhitelist
	if len(rules) == 0 {
		return whitelist
	}

	matched := false
	for _, rule := range rules {
		if Matches(rule, domain) {
			matched = true
			break
		}
	}

	if whitelist {
		return !matched
	}
	return matched
}

// IsBlocked reports whether domain is refused under the stored rules and
// mode. Storage errors are returned to the caller undecided.
func (e *Engine) IsBlocked(ctx context.Context, domain string) (bool, error) {
	ctx, span := tracer.Start(ctx, "DomainBlock.Engine.IsBlocked")
	defer span.End()

	mode, err := e.store.GetSetting(ctx, types.SettingDomainBlockMode)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	rules, err := e.store.ListDomainRules(ctx)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	blocked := IsBlocked(mode, rules, domain)
	if blocked {
		e.log.InfoContext(ctx, "domain blocked", slog.String("domain", domain), slog.String("mode", mode))
	}
	return blocked, nil
}

// IsActorBlocked extracts the domain of actorID and checks it. An actor
// without a resolvable host is treated as blocked.
func (e *Engine) IsActorBlocked(ctx context.Context, actorID string) (bool, error) {
	domain := ExtractDomain(actorID)
	if domain == "" {
		return true, nil
	}
	return e.IsBlocked(ctx, domain)
}

// NormalizeRule lowercases the pattern of an exact rule so it compares
// against ExtractDomain output.
func NormalizeRule(rule types.DomainRule) types.DomainRule {
	rule.Pattern = strings.TrimSpace(rule.Pattern)
	if !rule.IsRegex {
		rule.Pattern = strings.ToLower(rule.Pattern)
	}
	return rule
}

// ValidateRule reports an error if a regex rule does not compile.
func ValidateRule(rule types.DomainRule) error {
	if !rule.IsRegex {
		return nil
	}
	_, err := regexp.Compile(rule.Pattern)
	return err
}
