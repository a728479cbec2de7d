package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/qda-harvester/record"
)

func TestCSVWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)

	h := sampleHarvest("run-1")
	require.NoError(t, w.Write(h))
	bare := sampleHarvest("run-1")
	bare.Dataset.ID = "doi:10.5064/F6BBBBBB"
	bare.Files = nil
	require.NoError(t, w.Write(bare))
	require.NoError(t, w.Close())

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, csvHeader, rows[0])

	col := map[string]int{}
	for i, name := range csvHeader {
		col[name] = i
	}
	assert.Equal(t, `["Doe, Jane","Roe; Richard"]`, rows[1][col["authors"]])
	assert.Equal(t, `["care; ageing","interviews"]`, rows[1][col["keywords"]])
	assert.Equal(t, "", rows[1][col["subjects"]])
	assert.Equal(t, "project.nvp", rows[1][col["file_name"]])
	assert.Equal(t, "md5:0cc175b9c0f1b6a831c399e269772661", rows[1][col["file_checksum"]])
	assert.Equal(t, "consent.pdf", rows[2][col["file_name"]])
	assert.Equal(t, "SKIPPED_RESTRICTED", rows[2][col["file_outcome"]])
	assert.Equal(t, "2024-03-01T10:30:00Z", rows[2][col["harvested_at"]])

	assert.Equal(t, "doi:10.5064/F6BBBBBB", rows[3][col["dataset_id"]])
	assert.Len(t, rows[3], len(csvHeader))
	assert.Equal(t, "", rows[3][col["file_id"]])
}

func TestJSONLWriter(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
	}{
		{"plain", false},
		{"zstd", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			w, err := NewJSONLWriter(&buf, tt.compress)
			require.NoError(t, err)
			require.NoError(t, w.Write(sampleHarvest("run-1")))
			require.NoError(t, w.Write(sampleHarvest("run-2")))
			require.NoError(t, w.Close())

			data := buf.Bytes()
			if tt.compress {
				dec, err := zstd.NewReader(nil)
				require.NoError(t, err)
				defer dec.Close()
				data, err = dec.DecodeAll(data, nil)
				require.NoError(t, err)
			}

			var runs []string
			scanner := bufio.NewScanner(bytes.NewReader(data))
			scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for scanner.Scan() {
				var h record.Harvest
				require.NoError(t, json.Unmarshal(scanner.Bytes(), &h))
				assert.Len(t, h.Files, 2)
				runs = append(runs, h.Dataset.RunID)
			}
			require.NoError(t, scanner.Err())
			assert.Equal(t, []string{"run-1", "run-2"}, runs)
		})
	}
}

func TestSQLite_Export(t *testing.T) {
	s := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, s.Emit(ctx, sampleHarvest("run-1")))
	require.NoError(t, s.Emit(ctx, sampleHarvest("run-2")))

	var buf bytes.Buffer
	n, err := s.Export(ctx, "run-2", NewCSVWriter(&buf))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
