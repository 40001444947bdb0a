package sensors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordScannerSingleLine(t *testing.T) {
	s := newRecordScanner(strings.NewReader(`{"sensor":"accel","values":[1,2,3],"timestamp_ms":100}` + "\n"))
	rec, err := s.Next()
	require.NoError(t, err)
	require.JSONEq(t, `{"sensor":"accel","values":[1,2,3],"timestamp_ms":100}`, string(rec))
}

func TestRecordScannerMultiLine(t *testing.T) {
	input := "{\n  \"sensor\": \"accel\",\n  \"values\": [1,2,3],\n  \"timestamp_ms\": 100\n}\n" +
		"{\"sensor\":\"gyro\",\"values\":[0,0,0],\"timestamp_ms\":120}\n"
	s := newRecordScanner(strings.NewReader(input))

	rec1, err := s.Next()
	require.NoError(t, err)
	require.Contains(t, string(rec1), `"accel"`)

	rec2, err := s.Next()
	require.NoError(t, err)
	require.Contains(t, string(rec2), `"gyro"`)
}

func TestRecordScannerIgnoresBracesInStrings(t *testing.T) {
	input := `{"sensor":"acc{el}","values":[1,2,3],"timestamp_ms":100}` + "\n"
	s := newRecordScanner(strings.NewReader(input))
	rec, err := s.Next()
	require.NoError(t, err)
	require.Contains(t, string(rec), `acc{el}`)
}
