package ctxengine

import (
	"fmt"
	"sort"
	"strings"
)

// Rendered layout. The allocator charges every string here against the
// ceiling, so render may only emit text built from them and the segments.
const (
	taskHeader        = "## Task\n"
	dialogHeader      = "\n\n## Conversation\n"
	fragmentsHeader   = "\n\n## Retrieved Context\n"
	queryHeader       = "\n\n## Query\n"
	turnSeparator     = "\n"
	fragmentSeparator = "\n\n"
)

// Layout is the token cost of the section headers. Dialog and Fragments
// are paid only while at least one segment of that kind survives.
type Layout struct {
	Fixed     int
	Dialog    int
	Fragments int
}

func measureLayout(est TokenEstimator) Layout {
	return Layout{
		Fixed:     est.Estimate(taskHeader) + est.Estimate(queryHeader),
		Dialog:    est.Estimate(dialogHeader),
		Fragments: est.Estimate(fragmentsHeader),
	}
}

// framing is the text rendered around seg's own text, including the
// separator that precedes it when it is not first in its section.
func framing(seg Segment) string {
	switch seg.Kind {
	case KindDialog:
		return turnSeparator + seg.Role + ": "
	case KindFragment:
		return fragmentSeparator + fragmentHeader(seg) + "\n"
	}
	return ""
}

// render lays out the kept segments: task, dialog in order, fragments by
// descending score, then the query.
func render(kept []Segment) string {
	var instruction, query string
	var dialog, fragments []Segment
	for _, seg := range kept {
		switch seg.Kind {
		case KindMandatory:
			if seg.ID == "query" {
				query = seg.Text
			} else {
				instruction = seg.Text
			}
		case KindDialog:
			dialog = append(dialog, seg)
		case KindFragment:
			fragments = append(fragments, seg)
		}
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].Score > fragments[j].Score
	})

	var b strings.Builder
	b.WriteString(taskHeader)
	b.WriteString(instruction)

	if len(dialog) > 0 {
		b.WriteString(dialogHeader)
		for i, turn := range dialog {
			if i > 0 {
				b.WriteString(turnSeparator)
			}
			b.WriteString(turn.Role)
			b.WriteString(": ")
			b.WriteString(turn.Text)
		}
	}

	if len(fragments) > 0 {
		b.WriteString(fragmentsHeader)
		for i, f := range fragments {
			if i > 0 {
				b.WriteString(fragmentSeparator)
			}
			b.WriteString(fragmentHeader(f))
			b.WriteString("\n")
			b.WriteString(f.Text)
		}
	}

	b.WriteString(queryHeader)
	b.WriteString(query)
	return b.String()
}

// fragmentHeader builds "[title] (section) (lines a-b)" from metadata,
// falling back to the source and then the id for the title.
func fragmentHeader(f Segment) string {
	title := metaString(f.Metadata, "title")
	if title == "" {
		title = f.Source
	}
	if title == "" {
		title = f.ID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", title)
	if section := metaString(f.Metadata, "section"); section != "" {
		fmt.Fprintf(&b, " (%s)", section)
	}
	start, end := metaString(f.Metadata, "line_start"), metaString(f.Metadata, "line_end")
	if start != "" && end != "" {
		fmt.Fprintf(&b, " (lines %s-%s)", start, end)
	}
	return b.String()
}

func metaString(meta map[string]any, key string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
