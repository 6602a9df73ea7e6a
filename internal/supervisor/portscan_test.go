package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortScannerAssemblesSplitChunks(t *testing.T) {
	t.Parallel()

	var lines []string
	s := NewPortScanner(func(line string) { lines = append(lines, line) })

	_, _ = s.Write([]byte("booting\n"))
	require.Zero(t, s.Port())
	_, _ = s.Write([]byte("PORT=51"))
	require.Zero(t, s.Port(), "port must not be recognised before the line completes")
	_, _ = s.Write([]byte("23\nready\n"))
	require.Equal(t, 5123, s.Port())
	require.Equal(t, []string{"booting", "PORT=5123", "ready"}, lines)
}

func TestPortScannerFirstMatchWins(t *testing.T) {
	t.Parallel()

	s := NewPortScanner(nil)
	_, _ = s.Write([]byte("PORT=4000\r\nPORT=5000\n"))
	require.Equal(t, 4000, s.Port())
}

func TestPortScannerIgnoresOutOfRange(t *testing.T) {
	t.Parallel()

	s := NewPortScanner(nil)
	_, _ = s.Write([]byte("PORT=99999\nlistening PORT=8081 now\n"))
	require.Equal(t, 8081, s.Port())
}

func TestPortScannerFlushTrailingLine(t *testing.T) {
	t.Parallel()

	s := NewPortScanner(nil)
	_, _ = s.Write([]byte("PORT=7001"))
	require.Zero(t, s.Port())
	s.Flush()
	require.Equal(t, 7001, s.Port())
}

func TestPortScannerUnterminatedAnnouncement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks []string
		want   int
	}{
		{name: "trailing space", chunks: []string{"PORT=5123 "}, want: 5123},
		{name: "trailing carriage return", chunks: []string{"PORT=5123\r"}, want: 5123},
		{name: "split before terminator", chunks: []string{"listening PORT=51", "23 ..."}, want: 5123},
		{name: "digits still arriving", chunks: []string{"PORT=51", "2"}, want: 0},
		{name: "out of range", chunks: []string{"PORT=70000 "}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewPortScanner(nil)
			for _, chunk := range tt.chunks {
				_, _ = s.Write([]byte(chunk))
			}
			require.Equal(t, tt.want, s.Port())
		})
	}
}
