// README: Summary of runner results: per-group tallies and the outcome of every invariant case.
package main

import (
	"fmt"
	"strings"
)

type tally struct {
	pass, fail, skip int
}

func (t *tally) add(status string) {
	switch status {
	case "PASS":
		t.pass++
	case "FAIL":
		t.fail++
	case "SKIP":
		t.skip++
	}
}

// Report groups results by the prefix of the case name, e.g. "Stock".
type Report struct {
	groups map[string]*tally
	order  []string
	total  tally

	invariants []Result
}

func groupOf(name string) string {
	if i := strings.Index(name, ":"); i > 0 {
		return name[:i]
	}
	return "Other"
}

func NewReport(results []Result) *Report {
	rep := &Report{groups: map[string]*tally{}}
	for _, res := range results {
		t, ok := rep.groups[res.Group]
		if !ok {
			t = &tally{}
			rep.groups[res.Group] = t
			rep.order = append(rep.order, res.Group)
		}
		t.add(res.Status)
		rep.total.add(res.Status)
		if res.Invariant {
			rep.invariants = append(rep.invariants, res)
		}
	}
	return rep
}

// Violated lists invariant cases that ran and failed.
func (rep *Report) Violated() []Result {
	var out []Result
	for _, res := range rep.invariants {
		if res.Status == "FAIL" {
			out = append(out, res)
		}
	}
	return out
}

// Unverified lists invariant cases that were skipped.
func (rep *Report) Unverified() []Result {
	var out []Result
	for _, res := range rep.invariants {
		if res.Status == "SKIP" {
			out = append(out, res)
		}
	}
	return out
}

func (rep *Report) Print() {
	fmt.Println("\n== Summary ==")
	for _, g := range rep.order {
		t := rep.groups[g]
		fmt.Printf("%-10s pass=%d fail=%d skip=%d\n", g, t.pass, t.fail, t.skip)
	}
	fmt.Printf("%-10s pass=%d fail=%d skip=%d\n", "total", rep.total.pass, rep.total.fail, rep.total.skip)

	fmt.Println("\n== Invariants ==")
	held := 0
	for _, res := range rep.invariants {
		if res.Status == "PASS" {
			held++
		}
		fmt.Printf("%-5s %s", res.Status, res.Name)
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	fmt.Printf("held=%d violated=%d unverified=%d\n", held, len(rep.Violated()), len(rep.Unverified()))
}

// Failed reports whether the run should exit non-zero. Strict mode also
// fails on skipped cases, invariants included.
func (rep *Report) Failed(strict bool) bool {
	if rep.total.fail > 0 {
		return true
	}
	return strict && rep.total.skip > 0
}
