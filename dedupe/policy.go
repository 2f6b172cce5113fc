package dedupe

import (
	"github.com/kavexo/fetchengine/pkg/keys"
	"github.com/kavexo/fetchengine/pkg/models"
	"github.com/kavexo/fetchengine/pkg/rules"
)

// Config is the policy-level configuration (§6 dedupePolicy).
type Config struct {
	Enabled      bool
	Methods      []string
	Serializer   string
	Rules        []models.PolicyRule
	ShouldDedupe func(rc *models.RequestContext) bool
}

// DefaultConfig returns the spec's default: GET-only request-keyed dedup.
func DefaultConfig() Config {
	return Config{Enabled: true, Methods: []string{"GET"}, Serializer: "request"}
}

// Policy binds a Registry to the rule matcher so pipeline can ask
// "does dedup apply to this request" and "what's its key" without
// knowing about rules itself.
type Policy struct {
	cfg     Config
	matcher *rules.Matcher
}

// NewPolicy compiles cfg's rules.
func NewPolicy(cfg Config) (*Policy, error) {
	m, err := rules.Compile(rules.Config{
		Enabled:           cfg.Enabled,
		DefaultMethods:    cfg.Methods,
		DefaultSerializer: cfg.Serializer,
		Rules:             cfg.Rules,
	})
	if err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg, matcher: m}, nil
}

// Applies reports whether dedup applies to rc's route (§4.4), honoring
// the optional shouldDedupe bypass hook.
func (p *Policy) Applies(rc *models.RequestContext) bool {
	if p.cfg.ShouldDedupe != nil && !p.cfg.ShouldDedupe(rc) {
		return false
	}
	return p.matcher.Resolve(rc.Method, rc.Path) != nil
}

// Key resolves rc's dedup key via the rule's (or default) serializer,
// defaulting to the request serializer (§4.1, §4.4).
func (p *Policy) Key(rc *models.RequestContext) (string, error) {
	resolved := p.matcher.Resolve(rc.Method, rc.Path)
	serializer := p.cfg.Serializer
	if resolved != nil && resolved.Serializer != "" {
		serializer = resolved.Serializer
	}
	return serializeBy(serializer, rc)
}

func serializeBy(name string, rc *models.RequestContext) (string, error) {
	kctx := keys.Context{Method: rc.Method, URL: rc.URL, Payload: rc.Payload, Headers: rc.Headers}
	if name == "endpoint" {
		return keys.Endpoint(kctx)
	}
	return keys.Request(kctx)
}
