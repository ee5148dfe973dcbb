package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Rules transform origin responses before they are stored.
// The first rule matching the request path wins.
type Rules []Rule

type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply applies the first matching rule to a successful response, logging to log.
// The response must have its request set.
func (r Rules) Apply(res *http.Response, log zerolog.Logger) {
	// only apply rules for successes
	if res.StatusCode != http.StatusOK || res.Request == nil {
		return
	}
	// if rule found, apply to response
	if rule := r.find(res, log); rule != nil {
		applyRuleToResponse(*rule, res, log)
	}
}

func applyRuleToResponse(rule Rule, res *http.Response, log zerolog.Logger) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(res *http.Response, log zerolog.Logger) *Rule {
	log.Trace().Msgf("Finding rule for request %s", res.Request.URL.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Path != "" && rule.Path != res.Request.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(res.Request.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := res.Request.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		rule := rule
		return &rule
	}
	return nil
}
