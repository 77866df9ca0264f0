package inbound

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFixedCommands(t *testing.T) {
	cases := map[string]Kind{
		"stop":        KindDeactivate,
		" STOP ":      KindDeactivate,
		"available":   KindSetAvailable,
		"unavailable": KindSetUnavailable,
		"help":        KindHelp,
		"n":           KindDecline,
		"N":           KindDecline,
	}
	for body, want := range cases {
		require.Equal(t, want, Parse(body).Kind, "body=%q", body)
	}
}

func TestParseAcceptWithPrice(t *testing.T) {
	cmd := Parse("Y $75.50")
	require.Equal(t, KindAccept, cmd.Kind)
	require.NotNil(t, cmd.PriceCents)
	require.Equal(t, 7550, *cmd.PriceCents)
}

func TestParseAcceptWithBarePrice(t *testing.T) {
	cmd := Parse("y 60")
	require.Equal(t, KindAccept, cmd.Kind)
	require.NotNil(t, cmd.PriceCents)
	require.Equal(t, 6000, *cmd.PriceCents)
}

func TestParseAcceptWithoutPrice(t *testing.T) {
	cmd := Parse("Y")
	require.Equal(t, KindAccept, cmd.Kind)
	require.Nil(t, cmd.PriceCents)
}

func TestParseAcceptWithGarbageAfterY(t *testing.T) {
	cmd := Parse("Yo whatever")
	require.Equal(t, KindUnknown, cmd.Kind)
}

func TestParseUnknown(t *testing.T) {
	require.Equal(t, KindUnknown, Parse("what is this").Kind)
	require.Equal(t, KindUnknown, Parse("").Kind)
}
