package canonical

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Format identifies the report layout a run produced.
type Format string

const (
	// FormatPgbench is the report printed by pgbench for its TPC-B-like run.
	FormatPgbench Format = "pgbench"
	// FormatSysbench is the report printed by sysbench oltp_read_write.
	FormatSysbench Format = "sysbench"
	// FormatTPCB is the report printed by the built-in workload generator.
	FormatTPCB Format = "tpcb"
)

// ErrUnknownFormat is returned for a format outside the supported set.
var ErrUnknownFormat = errors.New("unknown report format")

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatPgbench, FormatSysbench, FormatTPCB}
}

// Fields holds the values a tool printed. Anything the tool did not print
// stays zero until estimation.
type Fields struct {
	Transactions int64
	TPS          float64
	LatencyAvg   float64
	LatencyMin   float64
	LatencyMax   float64
	LatencyP95   float64
	TimeTaken    float64
}

// Parser extracts labeled values from one report format.
type Parser interface {
	// Extract scans the report line by line.
	Extract(text string) Fields

	// Profile returns the estimation profile for the format.
	Profile() Profile

	// Format returns the format this parser handles.
	Format() Format
}

// NewParser returns the parser for the given format.
func NewParser(format Format) (Parser, error) {
	switch format {
	case FormatPgbench:
		return newPgbenchParser(), nil
	case FormatSysbench:
		return newSysbenchParser(), nil
	case FormatTPCB:
		return newTPCBParser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// capture pulls one number out of a line and stores it.
type capture struct {
	pattern *regexp.Regexp
	assign  func(f *Fields, value string)
}

// lineRule fires on the first line rule whose label the line contains. Later
// rules are not consulted for that line.
type lineRule struct {
	label    string
	captures []capture
}

// labelParser is a Parser driven by an ordered list of line rules.
type labelParser struct {
	format  Format
	profile Profile
	rules   []lineRule
}

// Ensure interface compliance.
var _ Parser = (*labelParser)(nil)

func (p *labelParser) Format() Format {
	return p.format
}

func (p *labelParser) Profile() Profile {
	return p.profile
}

func (p *labelParser) Extract(text string) Fields {
	var fields Fields

	for _, line := range strings.Split(text, "\n") {
		for _, rule := range p.rules {
			if !strings.Contains(line, rule.label) {
				continue
			}

			for _, c := range rule.captures {
				if m := c.pattern.FindStringSubmatch(line); len(m) > 1 {
					c.assign(&fields, m[1])
				}
			}

			break
		}
	}

	return fields
}

func floatValue(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return v
}

func intValue(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}

	return v
}

func setTransactions(f *Fields, v string) { f.Transactions = intValue(v) }
func setTPS(f *Fields, v string)          { f.TPS = floatValue(v) }
func setLatencyAvg(f *Fields, v string)   { f.LatencyAvg = floatValue(v) }
func setLatencyMin(f *Fields, v string)   { f.LatencyMin = floatValue(v) }
func setLatencyMax(f *Fields, v string)   { f.LatencyMax = floatValue(v) }
func setLatencyP95(f *Fields, v string)   { f.LatencyP95 = floatValue(v) }
func setTimeTaken(f *Fields, v string)    { f.TimeTaken = floatValue(v) }

func rule(label, pattern string, assign func(*Fields, string)) lineRule {
	return lineRule{
		label: label,
		captures: []capture{{
			pattern: regexp.MustCompile(pattern),
			assign:  assign,
		}},
	}
}
