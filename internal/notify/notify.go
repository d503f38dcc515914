// Package notify pushes finished reports to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Notifier delivers a report to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, title, body string) error
}

// Multi fans a report out to every configured channel.
type Multi []Notifier

func (m Multi) Name() string {
	names := make([]string, 0, len(m))
	for _, n := range m {
		names = append(names, n.Name())
	}
	return strings.Join(names, ",")
}

// Notify tries every channel and joins the failures.
func (m Multi) Notify(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, title, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

const (
	sectionSeparator = "\n---\n"
	truncatedMarker  = "\n...(truncated)"
	// room left for the "(i/n)" part marker
	markerRoom = 16
)

// Chunk splits content into messages of at most max characters. It prefers
// to break on horizontal rules, then on "###" headings, then on lines;
// a single section longer than max is truncated.
func Chunk(content string, max int) []string {
	if utf8.RuneCountInString(content) <= max {
		return []string{content}
	}
	limit := max - markerRoom

	var sections []string
	separator := "\n"
	switch {
	case strings.Contains(content, sectionSeparator):
		sections = strings.Split(content, sectionSeparator)
		separator = sectionSeparator
	case strings.Contains(content, "\n### "):
		parts := strings.Split(content, "\n### ")
		sections = append(sections, parts[0])
		for _, p := range parts[1:] {
			sections = append(sections, "### "+p)
		}
	default:
		sections = strings.Split(content, "\n")
	}

	var chunks, current []string
	size := 0
	sepSize := utf8.RuneCountInString(separator)
	for _, section := range sections {
		n := utf8.RuneCountInString(section)
		extra := 0
		if len(current) > 0 {
			extra = sepSize
		}
		if n > limit {
			if len(current) > 0 {
				chunks = append(chunks, strings.Join(current, separator))
				current, size = nil, 0
			}
			chunks = append(chunks, truncateRunes(section, limit-utf8.RuneCountInString(truncatedMarker))+truncatedMarker)
			continue
		}
		if size+n+extra > limit {
			chunks = append(chunks, strings.Join(current, separator))
			current, size = []string{section}, n
			continue
		}
		current = append(current, section)
		size += n + extra
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, separator))
	}

	if len(chunks) > 1 {
		for i := range chunks {
			chunks[i] += fmt.Sprintf("\n\n(%d/%d)", i+1, len(chunks))
		}
	}
	return chunks
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// sendChunks sends each chunk in order, pausing between messages.
func sendChunks(ctx context.Context, chunks []string, pause time.Duration, send func(string) error) error {
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := send(c); err != nil {
			return fmt.Errorf("part %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 && pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	return nil
}

func compose(title, body string) string {
	if title == "" {
		return body
	}
	return title + "\n\n" + body
}
