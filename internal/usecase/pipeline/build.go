package pipeline

import (
	"fmt"
	"slices"
	"strings"
)

// Options selects stages by name.
//
// A name is one of "base64", "gzip" or "aes", optionally prefixed with "send:"
// or "receive:" to keep only that half of the stage.
type Options struct {
	Stages        []string
	AESPassphrase string
	AESSalt       string
	GzipLevel     int
}

// Build constructs a pipeline from opts. The receive direction must undo the
// send direction, so at most one full stage is allowed and the halves of the
// others must be mirrored around it.
func Build(opts Options) (*Pipeline, error) {
	stages := make([]Stage, 0, len(opts.Stages))
	var sends, receives []string
	for _, raw := range opts.Stages {
		half, name := "", strings.ToLower(strings.TrimSpace(raw))
		if prefix, rest, ok := strings.Cut(name, ":"); ok {
			half, name = prefix, rest
		}

		var (
			s   Stage
			err error
		)
		switch name {
		case "base64":
			s = Base64()
		case "gzip":
			s, err = Gzip(opts.GzipLevel)
		case "aes":
			s, err = Cipher(opts.AESPassphrase, opts.AESSalt)
		default:
			return nil, fmt.Errorf("pipeline: unknown stage %q", raw)
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: stage %q: %w", raw, err)
		}

		switch half {
		case "":
			sends, receives = append(sends, name), append(receives, name)
		case "send":
			s = SendOnly(s)
			sends = append(sends, name)
		case "receive":
			s = ReceiveOnly(s)
			receives = append(receives, name)
		default:
			return nil, fmt.Errorf("pipeline: unknown stage direction %q", half)
		}
		stages = append(stages, s)
	}
	if !Mirrored(sends, receives) {
		return nil, fmt.Errorf("pipeline: stages %v cannot decode their own output; "+
			"keep one full stage and split the rest into mirrored send:/receive: halves", opts.Stages)
	}
	return New(stages...), nil
}

// Mirrored reports whether decoding with receives, in order, undoes encoding
// with sends.
func Mirrored(sends, receives []string) bool {
	undo := slices.Clone(sends)
	slices.Reverse(undo)
	return slices.Equal(undo, receives)
}
