package regulation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mirkored07/rde-mvp-sub000/internal/analysis"
)

// Evidence is the outcome of applying a single rule. Actual and Margin
// are nil when the metric could not be resolved; Detail then explains
// why. Context carries the coverage figures of the bin the metric was
// read from.
type Evidence struct {
	Rule    Rule               `json:"rule"`
	Passed  bool               `json:"passed"`
	Actual  *float64           `json:"actual"`
	Margin  *float64           `json:"margin"`
	Context map[string]float64 `json:"context,omitempty"`
	Detail  string             `json:"detail,omitempty"`
	BinName string             `json:"bin_name,omitempty"`
}

// Evaluation aggregates the rule outcomes of one pack run.
type Evaluation struct {
	Pack            *Pack      `json:"pack"`
	OverallPassed   bool       `json:"overall_passed"`
	MandatoryPassed int        `json:"mandatory_passed"`
	MandatoryTotal  int        `json:"mandatory_total"`
	OptionalPassed  int        `json:"optional_passed"`
	OptionalTotal   int        `json:"optional_total"`
	Evidence        []Evidence `json:"evidence"`
}

// Evaluate applies every pack rule to the analysis payload. Rules never
// abort the run: an unresolvable metric yields failed evidence with a
// detail string. Overall pass means every mandatory rule passed;
// optional rules only contribute counts.
func Evaluate(payload *analysis.Payload, pack *Pack) *Evaluation {
	eval := &Evaluation{Pack: pack, Evidence: make([]Evidence, 0, len(pack.Rules))}
	for _, rule := range pack.Rules {
		actual, context, detail, binName := resolveMetric(payload, rule)
		passed := compare(actual, rule.Threshold, rule.Comparator)

		if rule.Mandatory {
			eval.MandatoryTotal++
			if passed {
				eval.MandatoryPassed++
			}
		} else {
			eval.OptionalTotal++
			if passed {
				eval.OptionalPassed++
			}
		}

		eval.Evidence = append(eval.Evidence, Evidence{
			Rule:    rule,
			Passed:  passed,
			Actual:  actual,
			Margin:  margin(actual, rule.Threshold, rule.Comparator),
			Context: context,
			Detail:  detail,
			BinName: binName,
		})
	}
	eval.OverallPassed = eval.MandatoryTotal == 0 || eval.MandatoryPassed == eval.MandatoryTotal
	return eval
}

// resolveMetric follows a rule's metric path into the payload.
// `kpis.<name>.<bin>` reads the named KPI inside a bin; a path whose
// first segment names a bin walks inside that bin; any other path walks
// from the payload root. Boolean leaves resolve to 1 or 0.
func resolveMetric(payload *analysis.Payload, rule Rule) (actual *float64, context map[string]float64, detail, binName string) {
	metric := strings.TrimSpace(rule.Metric)
	if metric == "" {
		return nil, nil, "Rule metric is not defined.", ""
	}
	parts := strings.Split(metric, ".")

	var bins map[string]*analysis.BinReport
	if payload != nil {
		bins = payload.Bins
	}

	if parts[0] == "kpis" && len(parts) >= 3 {
		kpiName, bin := parts[1], parts[2]
		report := bins[bin]
		if report == nil {
			return nil, nil, fmt.Sprintf("Speed bin '%s' not found.", bin), bin
		}
		context = binContext(report)
		value, ok := report.KPIs[kpiName]
		if !ok || value == nil {
			return nil, context, fmt.Sprintf("KPI '%s' not available.", kpiName), bin
		}
		return copyFloat(*value), context, "", bin
	}

	if report := bins[parts[0]]; report != nil {
		value := walk(report, parts[1:])
		if value == nil {
			detail = fmt.Sprintf("Metric '%s' not available.", rule.Metric)
		}
		return value, binContext(report), detail, parts[0]
	}

	value := walk(payload, parts)
	if value == nil {
		detail = fmt.Sprintf("Metric '%s' not available.", rule.Metric)
	}
	return value, nil, detail, ""
}

// walk descends the path key by key and coerces the leaf to a float.
func walk(node any, path []string) *float64 {
	cur := node
	for _, key := range path {
		cur = step(cur, key)
		if cur == nil {
			return nil
		}
	}
	return asFloat(cur)
}

// step resolves one path segment against a payload node.
func step(cur any, key string) any {
	switch v := cur.(type) {
	case *analysis.Payload:
		if v == nil {
			return nil
		}
		switch key {
		case "overall":
			return v.Overall
		case "bins":
			return v.Bins
		}
	case analysis.Overall:
		switch key {
		case "total_time_s":
			return v.TotalTimeS
		case "total_distance_km":
			return v.TotalDistanceKm
		case "completeness":
			return v.Completeness
		case "valid":
			return v.Valid
		}
	case analysis.CompletenessInfo:
		switch key {
		case "max_gap_s":
			if v.MaxGapS == nil {
				return nil
			}
			return *v.MaxGapS
		case "largest_gap_s":
			return v.LargestGapS
		case "ok":
			return v.OK
		}
	case map[string]*analysis.BinReport:
		if report := v[key]; report != nil {
			return report
		}
	case *analysis.BinReport:
		if v == nil {
			return nil
		}
		switch key {
		case "time_s":
			return v.TimeS
		case "distance_km":
			return v.DistanceKm
		case "meets_min_distance":
			return v.MeetsMinDistance
		case "meets_min_time":
			return v.MeetsMinTime
		case "valid":
			return v.Valid
		case "kpis":
			return v.KPIs
		}
	case map[string]*float64:
		if val, ok := v[key]; ok && val != nil {
			return *val
		}
	}
	return nil
}

func asFloat(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return copyFloat(t)
	case bool:
		if t {
			return copyFloat(1)
		}
		return copyFloat(0)
	}
	return nil
}

func copyFloat(v float64) *float64 { return &v }

func binContext(report *analysis.BinReport) map[string]float64 {
	return map[string]float64{
		"distance_km": report.DistanceKm,
		"time_s":      report.TimeS,
	}
}

// compare applies a rule comparator. Nil on either side never passes.
func compare(actual, threshold *float64, comparator string) bool {
	if actual == nil || threshold == nil {
		return false
	}
	a, t := *actual, *threshold
	switch comparator {
	case ">=":
		return a >= t
	case ">":
		return a > t
	case "<=":
		return a <= t
	case "<":
		return a < t
	case "==":
		return a == t
	case "!=":
		return a != t
	}
	return false
}

// margin is the signed distance to the threshold: actual minus
// threshold for `>`, `>=`, `==` and `!=`, inverted for `<` and `<=`.
func margin(actual, threshold *float64, comparator string) *float64 {
	if actual == nil || threshold == nil {
		return nil
	}
	switch comparator {
	case ">=", ">", "==", "!=":
		return copyFloat(*actual - *threshold)
	case "<=", "<":
		return copyFloat(*threshold - *actual)
	}
	return nil
}

// SummaryMarkdown renders the evaluation as a Markdown section: the
// overall verdict followed by one evidence row per rule.
func (e *Evaluation) SummaryMarkdown() string {
	var b strings.Builder
	title := e.Pack.Title
	if title == "" {
		title = e.Pack.ID
	}
	fmt.Fprintf(&b, "## Regulation – %s\n\n", title)
	fmt.Fprintf(&b, "Overall: **%s** (mandatory %d/%d", verdict(e.OverallPassed), e.MandatoryPassed, e.MandatoryTotal)
	if e.OptionalTotal > 0 {
		fmt.Fprintf(&b, ", optional %d/%d", e.OptionalPassed, e.OptionalTotal)
	}
	b.WriteString(")\n\n")

	b.WriteString("| Rule | Metric | Actual | Threshold | Status |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for _, ev := range e.Evidence {
		name := ev.Rule.Title
		if name == "" {
			name = ev.Rule.ID
		}
		actual := "n/a"
		if ev.Actual != nil {
			actual = formatQuantity(*ev.Actual, ev.Rule.Units)
		} else if ev.Detail != "" {
			actual = ev.Detail
		}
		threshold := "n/a"
		if ev.Rule.Threshold != nil {
			threshold = ev.Rule.Comparator + " " + formatQuantity(*ev.Rule.Threshold, ev.Rule.Units)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", name, ev.Rule.Metric, actual, threshold, verdict(ev.Passed))
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatQuantity keeps big thresholds (particle counts) readable in
// scientific notation while short-circuiting trailing zeros.
func formatQuantity(v float64, units string) string {
	s := strconv.FormatFloat(v, 'g', 6, 64)
	if units != "" {
		return s + " " + units
	}
	return s
}

func verdict(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}
