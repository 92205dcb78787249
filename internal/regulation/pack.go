// Package regulation loads rule packs expressed as JSON or YAML and
// evaluates analysis payloads against them. Packs are external,
// versioned documents; thresholds and legal references live in the
// document, never in code.
package regulation

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed pack.schema.json
var packSchemaJSON string

//go:embed packs/eu7_demo.json
var eu7DemoJSON []byte

var packSchema = jsonschema.MustCompileString("pack.schema.json", packSchemaJSON)

// ErrInvalidPack tags every pack parsing or validation failure.
var ErrInvalidPack = errors.New("invalid regulation pack")

var allowedComparators = map[string]struct{}{
	"<": {}, "<=": {}, ">": {}, ">=": {}, "==": {}, "!=": {},
}

// Rule is a single requirement within a pack. A nil threshold never
// passes comparison but keeps the rule visible in evidence.
type Rule struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	LegalSource string   `json:"legal_source,omitempty"`
	Article     string   `json:"article,omitempty"`
	Scope       string   `json:"scope"`
	Metric      string   `json:"metric"`
	Comparator  string   `json:"comparator"`
	Threshold   *float64 `json:"threshold"`
	Units       string   `json:"units,omitempty"`
	Mandatory   bool     `json:"mandatory"`
	Notes       string   `json:"notes,omitempty"`
}

// Pack is a versioned collection of regulation rules.
type Pack struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	LegalSource string `json:"legal_source,omitempty"`
	Version     string `json:"version,omitempty"`
	Rules       []Rule `json:"rules"`
}

// EU7Demo returns the embedded demonstration pack.
func EU7Demo() *Pack {
	pack, err := ParsePack(eu7DemoJSON, ".json")
	if err != nil {
		panic(fmt.Sprintf("embedded eu7_demo pack: %v", err))
	}
	return pack
}

// LoadPackFile reads a pack from disk. YAML is selected by the .yaml or
// .yml suffix; everything else is treated as JSON.
func LoadPackFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regulation pack: %w", err)
	}
	return ParsePack(data, filepath.Ext(path))
}

// ParsePack decodes a pack document, checks it against the embedded
// schema, and builds the pack.
func ParsePack(data []byte, suffix string) (*Pack, error) {
	var doc any
	var err error
	switch strings.ToLower(suffix) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	payload, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: regulation pack payload must be a mapping", ErrInvalidPack)
	}
	if err := packSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	return FromMap(payload)
}

// FromMap builds a validated Pack from an already decoded document.
// Coercion is permissive where the schema is: numbers may stand in for
// strings, thresholds may be numeric strings, and a missing mandatory
// flag defaults to true.
func FromMap(payload map[string]any) (*Pack, error) {
	packID := strings.TrimSpace(coerceString(payload["id"]))
	if packID == "" {
		return nil, fmt.Errorf("%w: regulation pack is missing an 'id'", ErrInvalidPack)
	}
	title := coerceString(payload["title"])
	if title == "" {
		title = packID
	}
	packLegal := coerceString(payload["legal_source"])

	rawRules, ok := payload["rules"].([]any)
	if !ok || len(rawRules) == 0 {
		return nil, fmt.Errorf("%w: regulation pack must define a non-empty 'rules' list", ErrInvalidPack)
	}

	rules := make([]Rule, 0, len(rawRules))
	for i, entry := range rawRules {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: rule at index %d is not a mapping", ErrInvalidPack, i)
		}
		ruleID := strings.TrimSpace(coerceString(m["id"]))
		if ruleID == "" {
			return nil, fmt.Errorf("%w: rule at index %d is missing an 'id'", ErrInvalidPack, i)
		}
		comparator := strings.TrimSpace(coerceString(m["comparator"]))
		if _, ok := allowedComparators[comparator]; !ok {
			return nil, fmt.Errorf("%w: rule %q specifies unsupported comparator %q", ErrInvalidPack, ruleID, comparator)
		}
		threshold, err := coerceThreshold(m["threshold"])
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q threshold must be numeric", ErrInvalidPack, ruleID)
		}

		ruleTitle := coerceString(m["title"])
		if ruleTitle == "" {
			ruleTitle = ruleID
		}
		legal := coerceString(m["legal_source"])
		if legal == "" {
			legal = packLegal
		}
		scope := coerceString(m["scope"])
		if scope == "" {
			scope = "unspecified"
		}
		mandatory := true
		if v, present := m["mandatory"]; present {
			mandatory = coerceBool(v)
		}

		rules = append(rules, Rule{
			ID:          ruleID,
			Title:       ruleTitle,
			LegalSource: legal,
			Article:     coerceString(m["article"]),
			Scope:       scope,
			Metric:      coerceString(m["metric"]),
			Comparator:  comparator,
			Threshold:   threshold,
			Units:       coerceString(m["units"]),
			Mandatory:   mandatory,
			Notes:       coerceString(m["notes"]),
		})
	}

	return &Pack{
		ID:          packID,
		Title:       title,
		LegalSource: packLegal,
		Version:     coerceString(payload["version"]),
		Rules:       rules,
	}, nil
}

func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case int:
		return strconv.Itoa(s)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func coerceThreshold(v any) (*float64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return &t, nil
	case int:
		f := float64(t)
		return &f, nil
	case bool:
		f := 0.0
		if t {
			f = 1
		}
		return &f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, err
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("unsupported threshold type %T", v)
	}
}

func coerceBool(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case string:
		return b != ""
	default:
		return true
	}
}
