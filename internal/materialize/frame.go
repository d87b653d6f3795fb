package materialize

// In-memory row primitives for the CDC chunk pipeline. Rows are the
// warehouse result shape: one map per row, keyed by column name.

// dedupeByKey keeps the last row for each key value, preserving the
// order of first appearance.
func dedupeByKey(rows []map[string]any, key string) []map[string]any {
	index := make(map[any]int, len(rows))
	var out []map[string]any
	for _, row := range rows {
		k := row[key]
		if at, ok := index[k]; ok {
			out[at] = row
			continue
		}
		index[k] = len(out)
		out = append(out, row)
	}
	return out
}

// splitByOp groups rows by their change-type value. Missing or empty
// values count as inserts.
func splitByOp(rows []map[string]any, opColumn string) map[string][]map[string]any {
	groups := make(map[string][]map[string]any)
	for _, row := range rows {
		op, _ := row[opColumn].(string)
		if op == "" {
			op = "U"
		}
		groups[op] = append(groups[op], row)
	}
	return groups
}

// normalizeOps returns row copies with missing or empty change-type
// values coalesced to U.
func normalizeOps(rows []map[string]any, opColumn string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		op, _ := row[opColumn].(string)
		if op != "" {
			out = append(out, row)
			continue
		}
		copied := make(map[string]any, len(row)+1)
		for col, v := range row {
			copied[col] = v
		}
		copied[opColumn] = "U"
		out = append(out, copied)
	}
	return out
}

// keyValues extracts the key column from each row, in order.
func keyValues(rows []map[string]any, key string) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row[key])
	}
	return out
}

// withoutColumns returns row copies with the named columns removed.
func withoutColumns(rows []map[string]any, drop ...string) []map[string]any {
	dropSet := make(map[string]struct{}, len(drop))
	for _, col := range drop {
		dropSet[col] = struct{}{}
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		copied := make(map[string]any, len(row))
		for col, v := range row {
			if _, skip := dropSet[col]; !skip {
				copied[col] = v
			}
		}
		out = append(out, copied)
	}
	return out
}

// withColumn returns row copies with one column set to value.
func withColumn(rows []map[string]any, column string, value any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		copied := make(map[string]any, len(row)+1)
		for col, v := range row {
			copied[col] = v
		}
		copied[column] = value
		out = append(out, copied)
	}
	return out
}

// batch splits items into slices of at most size.
func batch[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
