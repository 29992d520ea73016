package rules

import (
	"fmt"
	"sync"

	"github.com/pgflo/pg_ingest/pkg/utils"
)

// RuleEngine holds the rules of every table and applies them in declaration order
type RuleEngine struct {
	Rules map[string][]Rule
	mutex sync.RWMutex
}

// NewRuleEngine creates an empty RuleEngine
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{
		Rules: make(map[string][]Rule),
	}
}

// AddRule appends a rule for a table
func (re *RuleEngine) AddRule(tableName string, rule Rule) {
	re.mutex.Lock()
	defer re.mutex.Unlock()
	re.Rules[tableName] = append(re.Rules[tableName], rule)
}

// ApplyRules runs the table's rules against the event. A nil result means a filter dropped it.
func (re *RuleEngine) ApplyRules(event *utils.ChangeEvent) (*utils.ChangeEvent, error) {
	re.mutex.RLock()
	rules := re.Rules[event.Table]
	re.mutex.RUnlock()

	current := event
	for _, rule := range rules {
		next, err := rule.Apply(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// LoadRules builds and registers the rules of a Config
func (re *RuleEngine) LoadRules(config Config) error {
	for tableName, ruleConfigs := range config.Tables {
		for i, rc := range ruleConfigs {
			rule, err := createRule(tableName, rc)
			if err != nil {
				return fmt.Errorf("error creating rule %d for table %s: %w", i, tableName, err)
			}
			re.AddRule(tableName, rule)
		}
	}
	return nil
}

func createRule(tableName string, rc RuleConfig) (Rule, error) {
	params := make(map[string]interface{}, len(rc.Parameters)+2)
	for k, v := range rc.Parameters {
		params[k] = v
	}
	params["operations"] = rc.Operations
	params["allow_empty_deletes"] = rc.AllowEmptyDeletes

	switch rc.Type {
	case "transform":
		return NewTransformRule(tableName, rc.Column, params)
	case "filter":
		return NewFilterRule(tableName, rc.Column, params)
	case "exclude_column":
		return NewExcludeColumnRule(tableName, rc.Column)
	default:
		return nil, fmt.Errorf("unknown rule type: %s", rc.Type)
	}
}
