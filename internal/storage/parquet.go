package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

var codecs = map[string]compress.Compression{
	"snappy": compress.Codecs.Snappy,
	"zstd":   compress.Codecs.Zstd,
	"gzip":   compress.Codecs.Gzip,
	"none":   compress.Codecs.Uncompressed,
}

// Codec maps a configured compression name onto a parquet codec.
func Codec(name string) (compress.Compression, bool) {
	c, ok := codecs[strings.ToLower(name)]
	return c, ok
}

func writeParquet(path string, rec arrow.Record, codec compress.Compression) error {
	props := parquet.NewWriterProperties(parquet.WithCompression(codec))
	arrProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	return atomicWrite(path, func(w io.Writer) error {
		fw, err := pqarrow.NewFileWriter(rec.Schema(), w, props, arrProps)
		if err != nil {
			return fmt.Errorf("create parquet writer: %w", err)
		}
		if err := fw.Write(rec); err != nil {
			fw.Close()
			return fmt.Errorf("write record: %w", err)
		}
		return fw.Close()
	})
}

func readParquet(ctx context.Context, path string) (arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := memory.DefaultAllocator
	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	defer tbl.Release()

	return tableToRecord(tbl, mem)
}

// tableToRecord concatenates each column's chunks into one array.
func tableToRecord(tbl arrow.Table, mem memory.Allocator) (arrow.Record, error) {
	cols := make([]arrow.Array, tbl.NumCols())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for i := range cols {
		col := tbl.Column(i)
		chunks := col.Data().Chunks()
		switch len(chunks) {
		case 0:
			cols[i] = array.MakeArrayOfNull(mem, col.DataType(), 0)
		case 1:
			chunks[0].Retain()
			cols[i] = chunks[0]
		default:
			arr, err := array.Concatenate(chunks, mem)
			if err != nil {
				return nil, fmt.Errorf("concatenate column %s: %w", col.Name(), err)
			}
			cols[i] = arr
		}
	}
	return array.NewRecord(tbl.Schema(), cols, tbl.NumRows()), nil
}
