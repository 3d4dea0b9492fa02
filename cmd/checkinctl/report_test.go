package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	fallback := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)

	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{name: "empty uses fallback", in: "", want: fallback},
		{name: "date in zone", in: "2024-02-29", want: time.Date(2024, 2, 29, 0, 0, 0, 0, loc)},
		{name: "bad format", in: "29/02/2024", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDay(tt.in, fallback, loc)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, tt.want.Equal(got))
		})
	}
}

func TestClock(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	require.Equal(t, "-", clock(nil, loc))
	at := time.Date(2024, 3, 4, 6, 5, 0, 0, time.UTC)
	require.Equal(t, "08:05", clock(&at, loc))
}
