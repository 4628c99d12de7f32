package main

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

// progress prints one spinner line per step and a ✓ or ✗ when it ends.
type progress struct {
	s      *spinner.Spinner
	labels map[string]string
	quiet  bool
}

func newProgress(labels map[string]string, quiet bool) *progress {
	return &progress{
		s:      spinner.New(spinner.CharSets[14], 100*time.Millisecond),
		labels: labels,
		quiet:  quiet,
	}
}

func (p *progress) label(step string) string {
	if l, ok := p.labels[step]; ok {
		return l
	}
	return step
}

func (p *progress) update(step string, err error, done bool) {
	if !done {
		if !p.quiet {
			p.s.Suffix = " " + p.label(step) + "..."
			p.s.Start()
		}
		return
	}
	p.s.Stop()
	if err != nil {
		fmt.Printf("%s %s\n", red("✗"), p.label(step))
		return
	}
	fmt.Printf("%s %s\n", green("✓"), p.label(step))
}

func ok(format string, args ...any) {
	fmt.Printf("%s %s\n", green("✓"), fmt.Sprintf(format, args...))
}

func failed(format string, args ...any) {
	fmt.Printf("%s %s\n", red("✗"), fmt.Sprintf(format, args...))
}

func short(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			id = id[i+1:]
			break
		}
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
