// Package classify groups short-code senders under logical services based on
// message content, so that e.g. two verification-code senders belonging to
// the same provider converge onto one conversation.
package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"smsbridge/internal/constants"
	"smsbridge/internal/models"
	"smsbridge/internal/security"
)

// Classification is the tagged result of classifying one message.
type Classification struct {
	ServiceKey  string  `json:"serviceKey"`
	ServiceName string  `json:"serviceName"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

type compiledPattern struct {
	re         *regexp.Regexp
	confidence float64
}

type compiledRule struct {
	serviceKey  string
	serviceName string
	whitelist   map[string]struct{}
	patterns    []compiledPattern
}

// Classifier is deterministic and stateless beyond the rule set loaded at
// construction. Safe for concurrent use.
type Classifier struct {
	rules     []compiledRule
	threshold float64
}

// NewClassifier compiles the rule set. Patterns are matched
// case-insensitively against the raw body.
func NewClassifier(rules []models.ClassificationRule, threshold float64) (*Classifier, error) {
	if threshold <= 0 {
		threshold = constants.DefaultConfidenceThreshold
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{
			serviceKey:  rule.ServiceKey,
			serviceName: rule.ServiceName,
			whitelist:   make(map[string]struct{}, len(rule.ShortSenderWhitelist)),
		}
		for _, sender := range rule.ShortSenderWhitelist {
			cr.whitelist[sender] = struct{}{}
		}
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p.Regex)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid pattern %q: %w", rule.ServiceKey, p.Regex, err)
			}
			cr.patterns = append(cr.patterns, compiledPattern{re: re, confidence: p.Confidence})
		}
		compiled = append(compiled, cr)
	}

	return &Classifier{rules: compiled, threshold: threshold}, nil
}

// LoadRules reads the classification rule set from a JSON file.
func LoadRules(path string) ([]models.ClassificationRule, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid rules path: %w", err)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules []models.ClassificationRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	return rules, nil
}

// Classify maps a short sender id plus body to a service. A whitelisted
// sender still needs a pattern match at or above the threshold, since sender
// ids get reassigned; without confirmation the whitelist hint is ignored.
// When no rule matches confidently the result is a synthetic per-sender key:
// one room per sender beats a possibly-wrong grouping.
func (c *Classifier) Classify(shortSenderID, body string, timestamp int64) Classification {
	for _, rule := range c.rules {
		if _, ok := rule.whitelist[shortSenderID]; !ok {
			continue
		}
		if conf, matched := rule.bestMatch(body); matched && conf >= c.threshold {
			return Classification{
				ServiceKey:  rule.serviceKey,
				ServiceName: rule.serviceName,
				Confidence:  conf,
				Reason:      "whitelisted sender with pattern confirmation",
			}
		}
	}

	var best *compiledRule
	var bestConf float64
	for i := range c.rules {
		if conf, matched := c.rules[i].bestMatch(body); matched && conf > bestConf {
			best = &c.rules[i]
			bestConf = conf
		}
	}
	if best != nil && bestConf >= c.threshold {
		return Classification{
			ServiceKey:  best.serviceKey,
			ServiceName: best.serviceName,
			Confidence:  bestConf,
			Reason:      "content pattern match",
		}
	}

	return Classification{
		ServiceKey:  "unknown_" + shortSenderID,
		ServiceName: "Unknown (" + shortSenderID + ")",
		Confidence:  1.0,
		Reason:      "no pattern matched",
	}
}

func (r *compiledRule) bestMatch(body string) (float64, bool) {
	var best float64
	matched := false
	for _, p := range r.patterns {
		if p.re.MatchString(body) {
			matched = true
			if p.confidence > best {
				best = p.confidence
			}
		}
	}
	return best, matched
}
