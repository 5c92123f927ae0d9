package selector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/milindmadhukar/datafetch/pkg/interfaces"
)

// Resolve turns a raw selection into dataset keys. The input is either
// "all" or space-separated 1-based indices into the manifest's display
// order. Keys are returned in the order given, duplicates included. A single
// bad token rejects the whole selection.
func Resolve(manifest *interfaces.Manifest, input string) ([]string, error) {
	input = strings.TrimSpace(input)

	switch strings.ToLower(input) {
	case "q", "quit":
		return nil, interfaces.ErrSelectionCancelled
	case "all":
		return manifest.Keys(), nil
	}

	tokens := strings.Fields(input)
	if len(tokens) == 0 {
		return nil, &interfaces.SelectionError{Input: input, Message: `no datasets specified, type "all" to download all datasets`}
	}

	keys := make([]string, 0, len(tokens))
	for _, token := range tokens {
		index, err := strconv.Atoi(token)
		if err != nil {
			return nil, &interfaces.SelectionError{Input: input, Message: fmt.Sprintf("%q is not a dataset number", token)}
		}

		entry, ok := manifest.Entry(index)
		if !ok {
			return nil, &interfaces.SelectionError{
				Input:   input,
				Message: fmt.Sprintf("dataset %d does not exist, choose between 1 and %d", index, manifest.Len()),
			}
		}
		keys = append(keys, entry.Key)
	}

	return keys, nil
}

// Selector asks a SelectionInput for a choice until it resolves. In
// interactive mode an invalid selection is reported through OnInvalid and
// the prompt repeats; otherwise the first error is returned.
type Selector struct {
	Interactive bool

	// MaxAttempts bounds re-prompting in interactive mode. Zero means no limit.
	MaxAttempts int

	OnInvalid func(err *interfaces.SelectionError)
}

func New(interactive bool) *Selector {
	return &Selector{Interactive: interactive}
}

// Select returns the keys chosen through input
func (s *Selector) Select(ctx context.Context, manifest *interfaces.Manifest, input interfaces.SelectionInput) ([]string, error) {
	if manifest.Len() == 0 {
		return nil, &interfaces.SelectionError{Message: "manifest lists no datasets"}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := input.PromptChoice(ctx, manifest)
		if err != nil {
			return nil, err
		}

		keys, err := Resolve(manifest, raw)
		if err == nil {
			return keys, nil
		}

		var selErr *interfaces.SelectionError
		if !s.Interactive || !errors.As(err, &selErr) {
			return nil, err
		}
		if s.MaxAttempts > 0 && attempt >= s.MaxAttempts {
			return nil, err
		}
		if s.OnInvalid != nil {
			s.OnInvalid(selErr)
		}
	}
}

// Fixed is a SelectionInput that always answers with the same string. It
// backs non-interactive runs.
type Fixed string

func (f Fixed) PromptChoice(context.Context, *interfaces.Manifest) (string, error) {
	return string(f), nil
}
