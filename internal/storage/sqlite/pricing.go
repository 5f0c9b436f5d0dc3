package sqlite

import (
	"context"
	"time"
)

// UpsertPrice inserts or replaces a per-model price override.
func (s *Store) UpsertPrice(ctx context.Context, model string, inputPer1K, outputPer1K, cachedPer1K float64) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_prices (model, input_per_1k, output_per_1k, cached_per_1k, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		 input_per_1k = excluded.input_per_1k,
		 output_per_1k = excluded.output_per_1k,
		 cached_per_1k = excluded.cached_per_1k,
		 updated_at = excluded.updated_at`,
		model, inputPer1K, outputPer1K, cachedPer1K,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ListPrices returns all price overrides as model -> [input, output, cached]
// per-1K rates.
func (s *Store) ListPrices(ctx context.Context) (map[string][3]float64, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, input_per_1k, output_per_1k, cached_per_1k FROM model_prices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][3]float64)
	for rows.Next() {
		var model string
		var in, outRate, cached float64
		if err := rows.Scan(&model, &in, &outRate, &cached); err != nil {
			return nil, err
		}
		out[model] = [3]float64{in, outRate, cached}
	}
	return out, rows.Err()
}
