package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/collector"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/prereq"
)

func runPrereq(args []string) {
	if len(args) == 0 {
		printPrereqUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "check":
		runPrereqCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown prereq subcommand %q\n", args[0])
		printPrereqUsage()
		os.Exit(2)
	}
}

func runPrereqCheck(args []string) {
	fs := flag.NewFlagSet("secctl prereq check", flag.ExitOnError)
	output := fs.String("output", "text", "output mode: text|json")
	strict := fs.Bool("strict", false, "treat warnings as failures")
	pin := fs.String("pin", collector.DefaultRingBufPinPath, "pinned ring buffer path")
	deep := fs.Bool("deep", false, "open the pinned map and verify it is a ring buffer")
	_ = fs.Parse(args)

	report := prereq.RunLocal(*pin)
	if *deep {
		report = withPinnedMapCheck(report, *pin, collector.CheckPinnedRingBuf(*pin))
	}

	switch *output {
	case "json":
		payload, err := prereq.MarshalJSON(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal report: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
	case "text":
		printTextReport(report)
	default:
		fmt.Fprintf(os.Stderr, "unsupported output mode %q\n", *output)
		os.Exit(2)
	}

	pass := report.Pass
	if *strict {
		pass = prereq.StrictPass(report)
	}
	if !pass {
		os.Exit(1)
	}
}

// withPinnedMapCheck appends the result of actually opening the pin.
func withPinnedMapCheck(report prereq.Report, pin string, err error) prereq.Report {
	check := prereq.CheckResult{
		Name:        "ringbuf_map_type",
		Pass:        err == nil,
		Severity:    "blocker",
		Current:     "ok",
		Required:    "BPF_MAP_TYPE_RINGBUF at " + pin,
		Remediation: "Pin the probe's ring buffer map, not a perf event array.",
	}
	if err != nil {
		check.Current = err.Error()
		report.Pass = false
	}
	report.Checks = append(report.Checks, check)
	return report
}

func printTextReport(report prereq.Report) {
	fmt.Printf("generated_at: %s\n", report.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("host: %s/%s\n", report.HostOS, report.HostArch)
	fmt.Printf("kernel_release: %s\n", emptyFallback(report.KernelRelease, "unknown"))
	fmt.Println()
	fmt.Println("checks:")
	for _, check := range report.Checks {
		status := "PASS"
		if !check.Pass {
			status = "FAIL"
		}
		fmt.Printf("- [%s] (%s) %s\n", status, strings.ToUpper(check.Severity), check.Name)
		fmt.Printf("  current: %s\n", emptyFallback(check.Current, "n/a"))
		fmt.Printf("  required: %s\n", emptyFallback(check.Required, "n/a"))
		fmt.Printf("  remediation: %s\n", emptyFallback(check.Remediation, "n/a"))
	}
	fmt.Println()
	if report.Pass {
		fmt.Println("result: PASS (all blocker checks satisfied)")
		return
	}
	fmt.Println("result: FAIL (one or more blocker checks failed)")
}

func printPrereqUsage() {
	fmt.Println("Usage:")
	fmt.Println("  secctl prereq check [--pin PATH] [--deep] [--output text|json] [--strict]")
}
