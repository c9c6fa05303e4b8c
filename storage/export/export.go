// Package export writes token and promise history to parquet files for
// offline reconciliation.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"cashrail/native/credit"
	"cashrail/native/ecash"
)

// Source is the history the exporter reads.
type Source interface {
	ListTokens(ctx context.Context, owner string, filter ecash.TokenFilter) ([]ecash.Token, error)
	ListPromises(ctx context.Context, owner string, filter credit.PromiseFilter) ([]credit.Promise, error)
}

// Summary reports the files written by History.
type Summary struct {
	TokensPath   string
	PromisesPath string
	Tokens       int
	Promises     int
}

type tokenRecord struct {
	ID        string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner     string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mint      string `parquet:"name=mint, type=BYTE_ARRAY, convertedtype=UTF8"`
	Unit      string `parquet:"name=unit, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    int64  `parquet:"name=amount, type=INT64"`
	Proofs    int32  `parquet:"name=proofs, type=INT32"`
	State     string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source    string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Error     string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	DeletedAt string `parquet:"name=deleted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type promiseRecord struct {
	ID            string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Owner         string `parquet:"name=owner, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction     string `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	Issuer        string `parquet:"name=issuer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient     string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        int64  `parquet:"name=amount, type=INT64"`
	SettledAmount int64  `parquet:"name=settled_amount, type=INT64"`
	Unit          string `parquet:"name=unit, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiresAt     string `parquet:"name=expires_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt     string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// History writes <owner>-tokens.parquet and <owner>-promises.parquet into
// dir. Deleted tokens are included.
func History(ctx context.Context, src Source, owner, dir string) (Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("export: create dir: %w", err)
	}
	tokens, err := src.ListTokens(ctx, owner, ecash.TokenFilter{IncludeDeleted: true})
	if err != nil {
		return Summary{}, fmt.Errorf("export: list tokens: %w", err)
	}
	promises, err := src.ListPromises(ctx, owner, credit.PromiseFilter{})
	if err != nil {
		return Summary{}, fmt.Errorf("export: list promises: %w", err)
	}
	summary := Summary{
		TokensPath:   filepath.Join(dir, owner+"-tokens.parquet"),
		PromisesPath: filepath.Join(dir, owner+"-promises.parquet"),
		Tokens:       len(tokens),
		Promises:     len(promises),
	}
	if err := WriteTokens(summary.TokensPath, tokens); err != nil {
		return Summary{}, err
	}
	if err := WritePromises(summary.PromisesPath, promises); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// WriteTokens writes one row per token to path.
func WriteTokens(path string, tokens []ecash.Token) error {
	rows := make([]any, 0, len(tokens))
	for _, tok := range tokens {
		rows = append(rows, &tokenRecord{
			ID:        tok.ID,
			Owner:     tok.Owner,
			Mint:      tok.Mint,
			Unit:      tok.Unit,
			Amount:    tok.Amount,
			Proofs:    int32(len(tok.Proofs)),
			State:     string(tok.State),
			Source:    string(tok.Source),
			Error:     tok.Error,
			CreatedAt: formatTime(&tok.CreatedAt),
			DeletedAt: formatTime(tok.DeletedAt),
		})
	}
	return writeParquet(path, new(tokenRecord), rows)
}

// WritePromises writes one row per promise to path.
func WritePromises(path string, promises []credit.Promise) error {
	rows := make([]any, 0, len(promises))
	for _, p := range promises {
		rows = append(rows, &promiseRecord{
			ID:            p.ID,
			Owner:         p.Owner,
			Direction:     string(p.Direction),
			Issuer:        p.Issuer,
			Recipient:     p.Recipient,
			Amount:        p.Amount,
			SettledAmount: p.SettledAmount,
			Unit:          p.Unit,
			CreatedAt:     formatTime(&p.CreatedAt),
			ExpiresAt:     formatTime(&p.ExpiresAt),
			SettledAt:     formatTime(p.SettledAt),
		})
	}
	return writeParquet(path, new(promiseRecord), rows)
}

func writeParquet(path string, schema any, rows []any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
