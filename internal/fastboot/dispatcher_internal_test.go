package fastboot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxDownloadSizeClampsZeroSysinfoToCap(t *testing.T) {
	prev := memAvailable
	memAvailable = func() uint64 { return 0 }
	defer func() { memAvailable = prev }()

	s := &Server{}
	status, body := s.maxDownloadSize("")

	require.Equal(t, Okay, status)
	require.Equal(t, "268435456", body) // maxDownloadSize, never 0
}
