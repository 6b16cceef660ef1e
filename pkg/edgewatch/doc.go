// Package edgewatch analyzes edge request logs for suspicious activity and
// turns the findings into WAF rules, without running the streaming service.
//
// Quick start:
//
//	w, err := edgewatch.New(os.Getenv("OPENAI_API_KEY"), edgewatch.WithRuleHost("example.com"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	findings, _, err := w.AnalyzeLines(ctx, ndjsonLines)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, r := range w.Rules(findings) {
//	    fmt.Println(r.HCL)
//	}
//
// A Watcher is safe for concurrent use. Create once, reuse across batches.
package edgewatch
