// Structural checks over a recorded span file
// Confirms tree shape and close order, then status and attribute consistency
package sink

import (
	"fmt"

	"github.com/andrewh/testotel/pkg/semconv"
	"github.com/andrewh/testotel/pkg/session"
)

// CheckResult holds the outcome of a single structural check.
type CheckResult struct {
	Name   string
	Pass   bool
	Detail string
}

// Verify runs the structural checks over records in file order. When conv
// is non-nil every span is also checked against the attribute conventions.
func Verify(records []Record, conv *semconv.Registry) []CheckResult {
	root, rootIdx, rootResult := checkSingleRoot(records)
	results := []CheckResult{rootResult}
	results = append(results,
		checkParentLinks(records, root),
		checkCloseOrder(records, root, rootIdx),
		checkStatusCodes(records),
		checkOutcomes(records, root),
	)
	if conv != nil {
		results = append(results, checkConventions(records, conv))
	}
	return results
}

// Failed reports whether any result did not pass.
func Failed(results []CheckResult) bool {
	for _, r := range results {
		if !r.Pass {
			return true
		}
	}
	return false
}

func checkSingleRoot(records []Record) (*Record, int, CheckResult) {
	res := CheckResult{Name: "single-root"}
	if len(records) == 0 {
		res.Detail = "no spans recorded"
		return nil, -1, res
	}
	var root *Record
	idx, roots := -1, 0
	for i := range records {
		if records[i].ParentID == nil {
			roots++
			if root == nil {
				root, idx = &records[i], i
			}
		}
	}
	if roots != 1 {
		res.Detail = fmt.Sprintf("%d root spans, want 1", roots)
		return root, idx, res
	}
	for _, r := range records {
		if r.Context.TraceID != root.Context.TraceID {
			res.Detail = fmt.Sprintf("span %q has trace %s, root has %s", r.Name, r.Context.TraceID, root.Context.TraceID)
			return root, idx, res
		}
	}
	res.Pass = true
	res.Detail = fmt.Sprintf("root %q", root.Name)
	return root, idx, res
}

func checkParentLinks(records []Record, root *Record) CheckResult {
	res := CheckResult{Name: "parent-links"}
	if root == nil {
		res.Detail = "no root span"
		return res
	}
	children := 0
	for _, r := range records {
		if r.ParentID == nil {
			continue
		}
		children++
		if r.Parent() != root.Context.SpanID {
			res.Detail = fmt.Sprintf("span %q has parent %s, want %s", r.Name, r.Parent(), root.Context.SpanID)
			return res
		}
		if r.Kind != session.KindTest.String() {
			res.Detail = fmt.Sprintf("span %q has kind %s, want %s", r.Name, r.Kind, session.KindTest)
			return res
		}
	}
	if root.Kind != session.KindSession.String() {
		res.Detail = fmt.Sprintf("root span has kind %s, want %s", root.Kind, session.KindSession)
		return res
	}
	res.Pass = true
	res.Detail = fmt.Sprintf("%d test spans", children)
	return res
}

func checkCloseOrder(records []Record, root *Record, rootIdx int) CheckResult {
	res := CheckResult{Name: "close-order"}
	if root == nil {
		res.Detail = "no root span"
		return res
	}
	if rootIdx != len(records)-1 {
		res.Detail = fmt.Sprintf("root span closed at position %d of %d", rootIdx+1, len(records))
		return res
	}
	for _, r := range records[:rootIdx] {
		if r.EndTime.After(root.EndTime) {
			res.Detail = fmt.Sprintf("span %q ends after the root", r.Name)
			return res
		}
		if r.StartTime.Before(root.StartTime) {
			res.Detail = fmt.Sprintf("span %q starts before the root", r.Name)
			return res
		}
	}
	res.Pass = true
	return res
}

func checkStatusCodes(records []Record) CheckResult {
	res := CheckResult{Name: "status-codes"}
	for _, r := range records {
		switch r.Status.StatusCode {
		case session.StatusOK.String(), session.StatusError.String():
		default:
			res.Detail = fmt.Sprintf("span %q has status %q", r.Name, r.Status.StatusCode)
			return res
		}
	}
	res.Pass = true
	return res
}

func checkOutcomes(records []Record, root *Record) CheckResult {
	res := CheckResult{Name: "outcomes"}
	anyFailed := false
	for _, r := range records {
		if r.ParentID == nil {
			continue
		}
		want := session.StatusOK.String()
		switch r.Attr(session.AttrStatus) {
		case session.OutcomePassed.String():
		case session.OutcomeFailed.String():
			want = session.StatusError.String()
			anyFailed = true
		default:
			res.Detail = fmt.Sprintf("span %q has outcome %q", r.Name, r.Attr(session.AttrStatus))
			return res
		}
		if r.Status.StatusCode != want {
			res.Detail = fmt.Sprintf("span %q outcome %s does not match status %s", r.Name, r.Attr(session.AttrStatus), r.Status.StatusCode)
			return res
		}
	}
	if root != nil {
		want := session.StatusOK.String()
		if anyFailed {
			want = session.StatusError.String()
		}
		if root.Status.StatusCode != want {
			res.Detail = fmt.Sprintf("root status %s, want %s", root.Status.StatusCode, want)
			return res
		}
	}
	res.Pass = true
	return res
}

func checkConventions(records []Record, conv *semconv.Registry) CheckResult {
	res := CheckResult{Name: "attributes"}
	var first string
	bad := 0
	for _, r := range records {
		problems := conv.Check(r.Kind, r.Attributes)
		if len(problems) == 0 {
			continue
		}
		if bad == 0 {
			first = fmt.Sprintf("span %q: %s", r.Name, problems[0])
		}
		bad++
	}
	switch bad {
	case 0:
		res.Pass = true
		res.Detail = fmt.Sprintf("%d spans conform", len(records))
	case 1:
		res.Detail = first
	default:
		res.Detail = fmt.Sprintf("%s (and %d more spans)", first, bad-1)
	}
	return res
}
