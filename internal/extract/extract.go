// Package extract finds an embedded JSON object inside free-form model output.
//
// Candidates are tried in a fixed priority order: a fenced block labeled
// json, then any fenced block that looks like an object, then a brace
// balanced scan anchored at each configured signal key.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"stride/internal/logging"
)

// Source records which priority produced a payload.
type Source string

const (
	SourceLabeledFence Source = "labeled_fence"
	SourceFence        Source = "fence"
	SourceAnchor       Source = "anchor"
)

// Result is the tagged outcome of Extract. Object is only set when Found.
type Result struct {
	Found  bool
	Raw    string
	Object map[string]any
	Source Source
	// Key is the signal key an anchored scan started from.
	Key string
}

// ExtractionFailure means payload-like text was present but nothing parsed.
type ExtractionFailure struct {
	Reason string
	// Element names what was expected, when it can be told.
	Element string
}

func (e *ExtractionFailure) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("could not extract %s: %s", e.Element, e.Reason)
	}
	return "could not extract structured payload: " + e.Reason
}

// Options configure one extraction.
type Options struct {
	// SignalKeys anchor the brace scan, tried in order.
	SignalKeys []string
	// RequireSignal skips candidates that contain none of SignalKeys.
	RequireSignal bool
	// RejectKeys skips candidates that contain one of these keys and none
	// of SignalKeys.
	RejectKeys []string
	// Element names the payload in failures, e.g. "goal plan".
	Element string
	Logger  *zap.Logger
}

var (
	labeledFenceRe = regexp.MustCompile("(?is)```[ \t]*json[ \t]*\\r?\\n?(.*?)```")
	anyFenceRe     = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\\r?\\n?(.*?)```")
	fenceMarkerRe  = regexp.MustCompile("```[a-zA-Z0-9_-]*")
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
	invisibleChars = strings.NewReplacer(
		"\ufeff", "",
		"\u200b", "",
		"\u200c", "",
		"\u200d", "",
		"\u2060", "",
	)
)

type candidate struct {
	text   string
	source Source
	key    string
}

// Extract returns the first candidate that parses and passes the key filters.
func Extract(text string, opts Options) (Result, error) {
	log := logging.OrNop(opts.Logger)
	text = invisibleChars.Replace(text)

	var cands []candidate
	for _, m := range labeledFenceRe.FindAllStringSubmatch(text, -1) {
		cands = append(cands, candidate{text: m[1], source: SourceLabeledFence})
	}
	for _, m := range anyFenceRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") && strings.HasSuffix(body, "}") {
			cands = append(cands, candidate{text: body, source: SourceFence})
		}
	}
	for _, key := range opts.SignalKeys {
		idx := keyIndex(text, key)
		if idx < 0 {
			continue
		}
		if obj, ok := enclosingObject(text, idx); ok {
			cands = append(cands, candidate{text: obj, source: SourceAnchor, key: key})
		} else {
			cands = append(cands, candidate{text: text[idx:], source: SourceAnchor, key: key})
		}
	}
	if len(cands) == 0 {
		return Result{}, nil
	}

	seen := make(map[string]bool, len(cands))
	attempted := 0
	for _, c := range cands {
		cleaned := Clean(c.text)
		if seen[cleaned] {
			continue
		}
		seen[cleaned] = true
		obj, err := parseObject(cleaned)
		if err != nil {
			if opts.RequireSignal && !mentionsAny(cleaned, opts.SignalKeys) {
				continue
			}
			attempted++
			if c.source == SourceLabeledFence {
				log.Warn("labeled json block did not parse", zap.Error(err), zap.Int("len", len(cleaned)))
			}
			continue
		}
		if !accept(obj, opts) {
			continue
		}
		return Result{Found: true, Raw: cleaned, Object: obj, Source: c.source, Key: c.key}, nil
	}
	if attempted == 0 {
		// candidates parsed but belonged to a different payload shape
		return Result{}, nil
	}
	return Result{}, &ExtractionFailure{Reason: fmt.Sprintf("%d candidate(s) failed to parse", attempted), Element: opts.Element}
}

// Clean strips fences, invisible characters and trailing commas, and trims to
// the outermost braces.
func Clean(s string) string {
	s = invisibleChars.Replace(s)
	s = fenceMarkerRe.ReplaceAllString(s, "")
	s = trailingComma.ReplaceAllString(s, "$1")
	if first := strings.Index(s, "{"); first >= 0 {
		if last := strings.LastIndex(s, "}"); last > first {
			s = s[first : last+1]
		}
	}
	return strings.TrimSpace(s)
}

func parseObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not an object")
	}
	return obj, nil
}

func accept(obj map[string]any, opts Options) bool {
	hasSignal := hasAny(obj, opts.SignalKeys)
	if opts.RequireSignal && !hasSignal {
		return false
	}
	if !hasSignal && hasAny(obj, opts.RejectKeys) {
		return false
	}
	return true
}

func mentionsAny(s string, keys []string) bool {
	for _, k := range keys {
		if keyIndex(s, k) >= 0 {
			return true
		}
	}
	return false
}

func hasAny(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}
