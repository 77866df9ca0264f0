// Package inbound is the Inbound Command Parser (C9 in SPEC_FULL.md): it
// maps a raw SMS body to a closed-sum Command and routes it to the Quote
// Dispatcher or to provider self-service, per spec.md §4.3.
package inbound

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the closed sum of inbound SMS commands.
type Kind string

const (
	KindAccept        Kind = "accept"
	KindDecline       Kind = "decline"
	KindSetAvailable  Kind = "set_available"
	KindSetUnavailable Kind = "set_unavailable"
	KindDeactivate    Kind = "deactivate"
	KindHelp          Kind = "help"
	KindUnknown       Kind = "unknown"
)

// Command is the parsed result of one inbound SMS body.
type Command struct {
	Kind       Kind
	PriceCents *int
}

var priceExpr = regexp.MustCompile(`\$?\s*(\d+(?:\.\d{2})?)`)

// Parse normalizes body (trim, uppercase) and maps it to a Command. The
// original, non-uppercased body is used only for price extraction, which
// is case-insensitive anyway (spec.md §4.3).
func Parse(body string) Command {
	trimmed := strings.TrimSpace(body)
	upper := strings.ToUpper(trimmed)

	switch upper {
	case "STOP":
		return Command{Kind: KindDeactivate}
	case "AVAILABLE":
		return Command{Kind: KindSetAvailable}
	case "UNAVAILABLE":
		return Command{Kind: KindSetUnavailable}
	case "HELP":
		return Command{Kind: KindHelp}
	case "N":
		return Command{Kind: KindDecline}
	}

	if strings.HasPrefix(upper, "Y") {
		rest := strings.TrimSpace(trimmed[1:])
		if rest == "" {
			return Command{Kind: KindAccept}
		}
		match := priceExpr.FindStringSubmatch(rest)
		if match == nil {
			return Command{Kind: KindUnknown}
		}
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return Command{Kind: KindUnknown}
		}
		cents := int(math.Round(value * 100))
		return Command{Kind: KindAccept, PriceCents: &cents}
	}

	return Command{Kind: KindUnknown}
}
