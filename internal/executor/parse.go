package executor

import (
	"regexp"
	"strconv"
	"strings"
)

// Framework output parsers. These are best-effort by contract: any shape they
// do not recognize yields nil and the caller keeps the raw output.

var (
	jestSummaryRe = regexp.MustCompile(`Tests:\s+(?:(\d+) failed, )?(?:(\d+) skipped, )?(?:(\d+) passed, )?(\d+) total`)
	jestCaseRe    = regexp.MustCompile(`(?m)^\s*(✓|✕|○)\s+(.+?)(?:\s+\(\d+\s*m?s\))?$`)

	pytestSummaryRe = regexp.MustCompile(`=+ (.*?) in [\d.]+s`)
	pytestCountRe   = regexp.MustCompile(`(\d+) (passed|failed|skipped|error|errors)`)
	pytestCaseRe    = regexp.MustCompile(`(?m)^(\S+::\S+)\s+(PASSED|FAILED|SKIPPED|ERROR)`)

	goTestCaseRe = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL|SKIP): (\S+)`)

	jestCoverageRe   = regexp.MustCompile(`Lines\s*:\s*([\d.]+)%(?:\s*\(\s*(\d+)/(\d+)\s*\))?`)
	pytestCoverageRe = regexp.MustCompile(`(?m)^TOTAL\s+(\d+)\s+(\d+)\s+(\d+)%`)
	goCoverageRe     = regexp.MustCompile(`coverage:\s*([\d.]+)% of statements`)
	lcovLinesFoundRe = regexp.MustCompile(`(?m)^LF:(\d+)`)
	lcovLinesHitRe   = regexp.MustCompile(`(?m)^LH:(\d+)`)
)

func parseJestOutput(out string) *TestSummary {
	m := jestSummaryRe.FindStringSubmatch(out)
	if m == nil {
		return nil
	}

	s := &TestSummary{
		Failed:  atoi(m[1]),
		Skipped: atoi(m[2]),
		Passed:  atoi(m[3]),
		Total:   atoi(m[4]),
	}

	for _, c := range jestCaseRe.FindAllStringSubmatch(out, -1) {
		status := "pass"
		switch c[1] {
		case "✕":
			status = "fail"
		case "○":
			status = "skip"
		}
		s.Cases = append(s.Cases, TestCase{Name: strings.TrimSpace(c[2]), Status: status})
	}

	return s
}

func parsePytestOutput(out string) *TestSummary {
	m := pytestSummaryRe.FindStringSubmatch(out)
	if m == nil {
		return nil
	}

	s := &TestSummary{}
	for _, c := range pytestCountRe.FindAllStringSubmatch(m[1], -1) {
		n := atoi(c[1])
		switch c[2] {
		case "passed":
			s.Passed = n
		case "failed":
			s.Failed = n
		case "skipped":
			s.Skipped = n
		case "error", "errors":
			s.Failed += n
		}
	}
	s.Total = s.Passed + s.Failed + s.Skipped

	for _, c := range pytestCaseRe.FindAllStringSubmatch(out, -1) {
		status := "pass"
		switch c[2] {
		case "FAILED", "ERROR":
			status = "fail"
		case "SKIPPED":
			status = "skip"
		}
		s.Cases = append(s.Cases, TestCase{Name: c[1], Status: status})
	}

	return s
}

func parseGoTestOutput(out string) *TestSummary {
	cases := goTestCaseRe.FindAllStringSubmatch(out, -1)
	if len(cases) == 0 {
		return nil
	}

	s := &TestSummary{}
	for _, c := range cases {
		var status string
		switch c[1] {
		case "PASS":
			s.Passed++
			status = "pass"
		case "FAIL":
			s.Failed++
			status = "fail"
		case "SKIP":
			s.Skipped++
			status = "skip"
		}
		s.Cases = append(s.Cases, TestCase{Name: c[2], Status: status})
	}
	s.Total = s.Passed + s.Failed + s.Skipped

	return s
}

// parseCoverage tries the framework's native report first, then the lcov
// tracefile format that several tools emit.
func parseCoverage(framework, out string) *CoverageSummary {
	switch strings.ToLower(framework) {
	case "jest":
		if m := jestCoverageRe.FindStringSubmatch(out); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				return &CoverageSummary{
					Percent:      pct,
					LinesCovered: atoi(m[2]),
					LinesTotal:   atoi(m[3]),
				}
			}
		}
	case "pytest":
		if m := pytestCoverageRe.FindStringSubmatch(out); m != nil {
			total := atoi(m[1])
			missed := atoi(m[2])
			return &CoverageSummary{
				Percent:      float64(atoi(m[3])),
				LinesCovered: total - missed,
				LinesTotal:   total,
			}
		}
	case "gotest", "go":
		if m := goCoverageRe.FindStringSubmatch(out); m != nil {
			pct, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				return &CoverageSummary{Percent: pct}
			}
		}
	}

	lf := lcovLinesFoundRe.FindStringSubmatch(out)
	lh := lcovLinesHitRe.FindStringSubmatch(out)
	if lf != nil && lh != nil {
		total := atoi(lf[1])
		hit := atoi(lh[1])
		if total > 0 {
			return &CoverageSummary{
				Percent:      100 * float64(hit) / float64(total),
				LinesCovered: hit,
				LinesTotal:   total,
			}
		}
	}

	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
